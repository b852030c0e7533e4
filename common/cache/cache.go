package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Map is a named key/value map with per-map TTL. Keys and values are
// strings; the cache does not interpret them. All operations are idempotent
// at the cache layer and ordering guarantees are per-key only.
type Map interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	// PutIfAbsent atomically sets the key when absent. It returns the
	// previous value and whether the key already existed.
	PutIfAbsent(ctx context.Context, key, value string) (string, bool, error)
	GetAllEntries(ctx context.Context) (map[string]string, error)
	Size(ctx context.Context) (int64, error)
	IsHealthy(ctx context.Context) bool
}

// ActivityDataKey builds the six-GUID colon-joined key used to stage
// activity data between steps.
func ActivityDataKey(processorID, flowID, correlationID, executionID, stepID, publishID string) string {
	return strings.Join([]string{processorID, flowID, correlationID, executionID, stepID, publishID}, ":")
}

// MemoryMap is an in-memory Map implementation used in tests and
// single-process development.
type MemoryMap struct {
	data       map[string]*memoryEntry
	defaultTTL time.Duration
	mu         sync.RWMutex
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryMap creates an in-memory map. defaultTTL of zero disables
// expiry for plain Set calls.
func NewMemoryMap(defaultTTL time.Duration) *MemoryMap {
	return &MemoryMap{
		data:       make(map[string]*memoryEntry),
		defaultTTL: defaultTTL,
	}
}

func (m *MemoryMap) live(entry *memoryEntry) bool {
	return entry != nil && (entry.expiresAt.IsZero() || time.Now().Before(entry.expiresAt))
}

// Get retrieves a value by key.
func (m *MemoryMap) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry := m.data[key]
	if !m.live(entry) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores a value under the map's default TTL.
func (m *MemoryMap) Set(ctx context.Context, key, value string) error {
	return m.SetWithTTL(ctx, key, value, m.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL. A TTL of zero means no
// expiry.
func (m *MemoryMap) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = entry
	return nil
}

// Exists reports whether the key is present and unexpired.
func (m *MemoryMap) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Remove deletes a key.
func (m *MemoryMap) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// PutIfAbsent atomically sets the key when absent.
func (m *MemoryMap) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry := m.data[key]; m.live(entry) {
		return entry.value, true, nil
	}

	entry := &memoryEntry{value: value}
	if m.defaultTTL > 0 {
		entry.expiresAt = time.Now().Add(m.defaultTTL)
	}
	m.data[key] = entry
	return "", false, nil
}

// GetAllEntries returns every live entry.
func (m *MemoryMap) GetAllEntries(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.data))
	for k, entry := range m.data {
		if m.live(entry) {
			out[k] = entry.value
		}
	}
	return out, nil
}

// Size returns the number of live entries.
func (m *MemoryMap) Size(ctx context.Context) (int64, error) {
	entries, err := m.GetAllEntries(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// IsHealthy always reports true for the in-memory map.
func (m *MemoryMap) IsHealthy(ctx context.Context) bool {
	return true
}
