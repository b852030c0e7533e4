package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/models"
)

// Reader applies the shared freshness rules to health map entries. Any
// entry that is absent, expired, unparsable, or stale is treated as not
// healthy; staleness is 2x the entry's own health-check interval.
type Reader struct {
	healthMap cache.Map
	logger    Logger
	now       func() time.Time
}

// NewReader creates a health reader.
func NewReader(healthMap cache.Map, logger Logger) *Reader {
	return &Reader{
		healthMap: healthMap,
		logger:    logger,
		now:       time.Now,
	}
}

// Check returns one processor's effective health.
func (r *Reader) Check(ctx context.Context, processorID string) models.ProcessorHealth {
	out := models.ProcessorHealth{ProcessorID: processorID}

	raw, found, err := r.healthMap.Get(ctx, processorID)
	if err != nil {
		out.Status = models.HealthStateUnhealthy
		out.Message = fmt.Sprintf("health map read failed: %v", err)
		return out
	}
	if !found {
		out.Status = models.HealthStateUnhealthy
		out.Message = "no health entry found"
		return out
	}

	var entry models.ProcessorHealthEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		r.logger.Warn("unparsable health entry", "processor_id", processorID, "error", err)
		out.Status = models.HealthStateUnhealthy
		out.Message = "health entry is unparsable"
		return out
	}

	if !entry.IsFresh(r.now()) {
		out.Status = models.HealthStateUnhealthy
		out.Message = fmt.Sprintf("health entry is stale (last updated %s by pod %s)",
			time.Unix(entry.LastUpdatedUnixSeconds, 0).UTC().Format(time.RFC3339),
			entry.ReportingPodID)
		return out
	}

	out.Status = entry.Status
	out.Message = entry.Message
	return out
}

// IsHealthy reports whether the processor has a fresh Healthy entry.
func (r *Reader) IsHealthy(ctx context.Context, processorID string) bool {
	return r.Check(ctx, processorID).Status == models.HealthStateHealthy
}

// CheckAll projects health for a set of processors and aggregates an
// overall status: Unhealthy beats Degraded beats Healthy.
func (r *Reader) CheckAll(ctx context.Context, processorIDs []string) (map[string]models.ProcessorHealth, models.HealthState) {
	out := make(map[string]models.ProcessorHealth, len(processorIDs))
	overall := models.HealthStateHealthy

	for _, id := range processorIDs {
		ph := r.Check(ctx, id)
		out[id] = ph

		switch ph.Status {
		case models.HealthStateUnhealthy:
			overall = models.HealthStateUnhealthy
		case models.HealthStateDegraded:
			if overall == models.HealthStateHealthy {
				overall = models.HealthStateDegraded
			}
		}
	}
	return out, overall
}
