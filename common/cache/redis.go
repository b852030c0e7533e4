package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for cache logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RedisMap is a Redis-backed Map. Entries live under "<name>:<key>" so
// multiple maps can share one Redis database.
type RedisMap struct {
	redis      *redis.Client
	name       string
	defaultTTL time.Duration
	logger     Logger
}

// NewRedisMap creates a named Redis-backed map. defaultTTL of zero means
// plain Set calls never expire.
func NewRedisMap(redisClient *redis.Client, name string, defaultTTL time.Duration, logger Logger) *RedisMap {
	return &RedisMap{
		redis:      redisClient,
		name:       name,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// Name returns the map name.
func (m *RedisMap) Name() string {
	return m.name
}

func (m *RedisMap) prefixed(key string) string {
	return m.name + ":" + key
}

// Get retrieves a value by key.
func (m *RedisMap) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := m.redis.Get(ctx, m.prefixed(key)).Result()
	if err == redis.Nil {
		m.logger.Debug("cache GET miss", "map", m.name, "key", key)
		return "", false, nil
	}
	if err != nil {
		m.logger.Error("cache GET failed", "map", m.name, "key", key, "error", err)
		return "", false, fmt.Errorf("failed to get key %s from map %s: %w", key, m.name, err)
	}
	m.logger.Debug("cache GET", "map", m.name, "key", key)
	return val, true, nil
}

// Set stores a value under the map's default TTL.
func (m *RedisMap) Set(ctx context.Context, key, value string) error {
	return m.SetWithTTL(ctx, key, value, m.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL. A TTL of zero means no
// expiry.
func (m *RedisMap) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	err := m.redis.Set(ctx, m.prefixed(key), value, ttl).Err()
	if err != nil {
		m.logger.Error("cache SET failed", "map", m.name, "key", key, "error", err)
		return fmt.Errorf("failed to set key %s in map %s: %w", key, m.name, err)
	}
	m.logger.Debug("cache SET", "map", m.name, "key", key, "ttl", ttl)
	return nil
}

// Exists reports whether the key is present.
func (m *RedisMap) Exists(ctx context.Context, key string) (bool, error) {
	n, err := m.redis.Exists(ctx, m.prefixed(key)).Result()
	if err != nil {
		m.logger.Error("cache EXISTS failed", "map", m.name, "key", key, "error", err)
		return false, fmt.Errorf("failed to check key %s in map %s: %w", key, m.name, err)
	}
	return n > 0, nil
}

// Remove deletes a key.
func (m *RedisMap) Remove(ctx context.Context, key string) error {
	err := m.redis.Del(ctx, m.prefixed(key)).Err()
	if err != nil {
		m.logger.Error("cache DEL failed", "map", m.name, "key", key, "error", err)
		return fmt.Errorf("failed to remove key %s from map %s: %w", key, m.name, err)
	}
	m.logger.Debug("cache DEL", "map", m.name, "key", key)
	return nil
}

// PutIfAbsent atomically sets the key when absent (SET NX GET). It returns
// the previous value and whether the key already existed.
func (m *RedisMap) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	prev, err := m.redis.SetArgs(ctx, m.prefixed(key), value, redis.SetArgs{
		Mode: "NX",
		Get:  true,
		TTL:  m.defaultTTL,
	}).Result()
	if err == redis.Nil {
		// Key was absent and has been set.
		m.logger.Debug("cache PUTIFABSENT set", "map", m.name, "key", key)
		return "", false, nil
	}
	if err != nil {
		m.logger.Error("cache PUTIFABSENT failed", "map", m.name, "key", key, "error", err)
		return "", false, fmt.Errorf("failed to put-if-absent key %s in map %s: %w", key, m.name, err)
	}
	m.logger.Debug("cache PUTIFABSENT exists", "map", m.name, "key", key)
	return prev, true, nil
}

// GetAllEntries scans the map prefix and returns every entry.
func (m *RedisMap) GetAllEntries(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	prefix := m.name + ":"

	iter := m.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
	keys := make([]string, 0, 64)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		m.logger.Error("cache SCAN failed", "map", m.name, "error", err)
		return nil, fmt.Errorf("failed to scan map %s: %w", m.name, err)
	}
	if len(keys) == 0 {
		return out, nil
	}

	// Pipeline the GETs, single round trip.
	pipe := m.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		m.logger.Error("cache pipeline GET failed", "map", m.name, "key_count", len(keys), "error", err)
		return nil, fmt.Errorf("failed to read map %s entries: %w", m.name, err)
	}

	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err == redis.Nil {
			// Expired between SCAN and GET, skip.
			continue
		}
		if err != nil {
			m.logger.Warn("cache GET failed for key in pipeline", "map", m.name, "key", keys[i], "error", err)
			continue
		}
		out[keys[i][len(prefix):]] = val
	}

	m.logger.Debug("cache GETALL", "map", m.name, "count", len(out))
	return out, nil
}

// Size returns the number of entries in the map.
func (m *RedisMap) Size(ctx context.Context) (int64, error) {
	var count int64
	iter := m.redis.Scan(ctx, 0, m.name+":*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count map %s: %w", m.name, err)
	}
	return count, nil
}

// IsHealthy pings the underlying Redis connection.
func (m *RedisMap) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := m.redis.Ping(ctx).Err(); err != nil {
		m.logger.Warn("cache ping failed", "map", m.name, "error", err)
		return false
	}
	return true
}
