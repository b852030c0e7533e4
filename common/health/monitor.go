package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/models"
)

// Logger interface for health logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Source is the processor-side view the monitor samples each tick. The
// processor id is empty until initialization completes; the monitor then
// records metrics only and skips cache publication.
type Source interface {
	ProcessorID() string
	HealthStatus(ctx context.Context) (models.HealthState, string, []models.HealthCheck)
}

// Counters are the monitor's internal tick counters.
type Counters struct {
	Total       atomic.Int64
	Successful  atomic.Int64
	Failed      atomic.Int64
	SkippedInit atomic.Int64
	Stored      atomic.Int64
}

// MonitorOpts contains options for creating a monitor.
type MonitorOpts struct {
	Source            Source
	HealthMap         cache.Map
	PodID             string
	Interval          time.Duration
	EntryTTL          time.Duration
	WriteRetries      int
	WriteRetryBackoff bool
	Sampler           *metrics.PerfSampler // nil disables performance metrics
	Metadata          map[string]string
	Metrics           *metrics.Metrics
	Logger            Logger
}

// Monitor periodically samples the processor's health and publishes it to
// the shared health map under the processor id, last-writer-wins across
// pods. A local try-lock prevents overlapping ticks within one pod.
type Monitor struct {
	source            Source
	healthMap         cache.Map
	podID             string
	interval          time.Duration
	entryTTL          time.Duration
	writeRetries      int
	writeRetryBackoff bool
	sampler           *metrics.PerfSampler
	metadata          map[string]string
	metrics           *metrics.Metrics
	logger            Logger

	startedAt time.Time
	tickMu    sync.Mutex

	// startKeys dedupes the "processor started" increment per process
	// start.
	startKeysMu sync.Mutex
	startKeys   map[string]struct{}

	Counters Counters
}

// NewMonitor creates a health monitor.
func NewMonitor(opts MonitorOpts) *Monitor {
	return &Monitor{
		source:            opts.Source,
		healthMap:         opts.HealthMap,
		podID:             opts.PodID,
		interval:          opts.Interval,
		entryTTL:          opts.EntryTTL,
		writeRetries:      opts.WriteRetries,
		writeRetryBackoff: opts.WriteRetryBackoff,
		sampler:           opts.Sampler,
		metadata:          opts.Metadata,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		startedAt:         time.Now(),
		startKeys:         make(map[string]struct{}),
	}
}

// Run loops until the context is cancelled. Ticks that would overlap a
// still-running tick are skipped with a warning.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor starting",
		"pod_id", m.podID,
		"interval", m.interval,
		"entry_ttl", m.entryTTL)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping", "pod_id", m.podID)
			return
		case <-ticker.C:
			if !m.tickMu.TryLock() {
				m.logger.Warn("previous health tick still running, skipping", "pod_id", m.podID)
				continue
			}
			go func() {
				defer m.tickMu.Unlock()
				m.Tick(ctx)
			}()
		}
	}
}

// Tick samples once and publishes when the processor id is known.
func (m *Monitor) Tick(ctx context.Context) {
	m.Counters.Total.Add(1)
	correlationID := uuid.New().String()

	status, message, checks := m.source.HealthStatus(ctx)

	var perf *models.PerformanceMetrics
	if m.sampler != nil {
		sample := m.sampler.Sample()
		perf = &sample
	}

	processorID := m.source.ProcessorID()
	if processorID == "" {
		// Initialization incomplete: record metrics only, no publication.
		m.Counters.SkippedInit.Add(1)
		m.count("skipped_init")
		m.logger.Debug("health tick skipped, processor not initialized",
			"pod_id", m.podID,
			"correlation_id", correlationID,
			"status", status)
		return
	}

	m.markStarted(processorID)

	now := time.Now()
	entry := models.ProcessorHealthEntry{
		ProcessorID:                processorID,
		Status:                     status,
		Message:                    message,
		LastUpdatedUnixSeconds:     now.Unix(),
		HealthCheckIntervalSeconds: int64(m.interval.Seconds()),
		ExpiresAt:                  now.Add(m.entryTTL),
		ReportingPodID:             m.podID,
		CorrelationID:              correlationID,
		HealthCheckID:              uuid.New().String(),
		UptimeSeconds:              int64(now.Sub(m.startedAt).Seconds()),
		Metadata:                   m.metadata,
		PerformanceMetrics:         perf,
		HealthChecks:               checks,
	}

	if err := m.publish(ctx, entry); err != nil {
		m.Counters.Failed.Add(1)
		m.count("failed")
		m.logger.Error("failed to publish health entry",
			"pod_id", m.podID,
			"processor_id", processorID,
			"correlation_id", correlationID,
			"error", err)
		return
	}

	m.Counters.Successful.Add(1)
	m.Counters.Stored.Add(1)
	m.count("stored")
	m.logger.Debug("health entry published",
		"processor_id", processorID,
		"status", status,
		"correlation_id", correlationID)
}

// publish writes the entry with bounded retries. Last writer wins; there is
// no distributed lock.
func (m *Monitor) publish(ctx context.Context, entry models.ProcessorHealthEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal health entry: %w", err)
	}

	operation := func() error {
		return m.healthMap.SetWithTTL(ctx, entry.ProcessorID, string(data), m.entryTTL)
	}

	var policy backoff.BackOff
	if m.writeRetryBackoff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		policy = bo
	} else {
		policy = backoff.NewConstantBackOff(100 * time.Millisecond)
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.writeRetries)), ctx)

	return backoff.Retry(operation, policy)
}

func (m *Monitor) markStarted(processorID string) {
	key := m.podID + ":" + processorID

	m.startKeysMu.Lock()
	defer m.startKeysMu.Unlock()

	if _, seen := m.startKeys[key]; seen {
		return
	}
	m.startKeys[key] = struct{}{}
	m.logger.Info("processor health reporting started",
		"pod_id", m.podID,
		"processor_id", processorID)
}

func (m *Monitor) count(outcome string) {
	if m.metrics != nil {
		m.metrics.HealthTicks.WithLabelValues(outcome).Inc()
	}
}
