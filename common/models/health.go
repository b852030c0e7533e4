package models

import "time"

// HealthState is the coarse status of a processor or one of its subchecks.
type HealthState string

const (
	HealthStateHealthy   HealthState = "Healthy"
	HealthStateDegraded  HealthState = "Degraded"
	HealthStateUnhealthy HealthState = "Unhealthy"
)

// HealthCheck is one named subcheck inside a health report.
type HealthCheck struct {
	Name    string      `json:"name"`
	Status  HealthState `json:"status"`
	Message string      `json:"message,omitempty"`
}

// PerformanceMetrics is the optional performance sample attached to a
// health entry.
type PerformanceMetrics struct {
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryBytes     uint64  `json:"memoryBytes"`
	ThroughputRate  float64 `json:"throughputRate"`
	SuccessRate     float64 `json:"successRate"`
	WindowSeconds   int64   `json:"windowSeconds"`
	CollectedUnixMs int64   `json:"collectedUnixMs"`
}

// ProcessorHealthEntry is the cache-resident health record written by each
// pod's monitor under the processor id, last-writer-wins.
type ProcessorHealthEntry struct {
	ProcessorID                string              `json:"processorId"`
	Status                     HealthState         `json:"status"`
	Message                    string              `json:"message,omitempty"`
	LastUpdatedUnixSeconds     int64               `json:"lastUpdatedUnixSeconds"`
	HealthCheckIntervalSeconds int64               `json:"healthCheckIntervalSeconds"`
	ExpiresAt                  time.Time           `json:"expiresAt"`
	ReportingPodID             string              `json:"reportingPodId"`
	CorrelationID              string              `json:"correlationId"`
	HealthCheckID              string              `json:"healthCheckId"`
	UptimeSeconds              int64               `json:"uptimeSeconds"`
	Metadata                   map[string]string   `json:"metadata,omitempty"`
	PerformanceMetrics         *PerformanceMetrics `json:"performanceMetrics,omitempty"`
	HealthChecks               []HealthCheck       `json:"healthChecks,omitempty"`
}

// IsFresh reports whether the entry is current at the given instant.
// An entry is fresh iff now-lastUpdated <= 2x healthCheckInterval and the
// cache-level expiry has not passed.
func (e ProcessorHealthEntry) IsFresh(now time.Time) bool {
	if e.HealthCheckIntervalSeconds <= 0 {
		return false
	}
	age := now.Unix() - e.LastUpdatedUnixSeconds
	if age > 2*e.HealthCheckIntervalSeconds {
		return false
	}
	return now.Before(e.ExpiresAt)
}

// ProcessorHealthProjection is the per-flow health view returned by the
// orchestration API.
type ProcessorHealthProjection struct {
	FlowID     string                      `json:"flowId"`
	Overall    HealthState                 `json:"overall"`
	Processors map[string]ProcessorHealth  `json:"processors"`
}

// ProcessorHealth is one processor's entry in the projection.
type ProcessorHealth struct {
	ProcessorID string      `json:"processorId"`
	Status      HealthState `json:"status"`
	Message     string      `json:"message,omitempty"`
}
