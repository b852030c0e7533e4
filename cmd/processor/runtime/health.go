package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshflow/orchestrator/common/models"
)

// HealthStatus aggregates the runtime's health for the monitor. Each
// component reports its own subcheck: the initialization outcome, the
// resolved schemas, the schema id agreement, the implementation hash,
// bus and cache connectivity and queue pressure. The aggregate message
// enumerates every failing component.
func (r *Runtime) HealthStatus(ctx context.Context) (models.HealthState, string, []models.HealthCheck) {
	r.state.RLock()
	initialized := r.state.initialized
	initErr := r.state.initErr
	comps := r.state.checks
	r.state.RUnlock()

	var checks []models.HealthCheck
	var failing []string
	overall := models.HealthStateHealthy

	add := func(name string, status models.HealthState, msg string) {
		checks = append(checks, models.HealthCheck{Name: name, Status: status, Message: msg})
		switch status {
		case models.HealthStateUnhealthy:
			overall = models.HealthStateUnhealthy
			failing = append(failing, fmt.Sprintf("%s: %s", name, msg))
		case models.HealthStateDegraded:
			if overall == models.HealthStateHealthy {
				overall = models.HealthStateDegraded
			}
			failing = append(failing, fmt.Sprintf("%s: %s", name, msg))
		}
	}

	switch {
	case initErr != nil:
		add("initialization", models.HealthStateUnhealthy, "initialization failed: "+initErr.Error())
	case !initialized:
		add("initialization", models.HealthStateDegraded, "initialization in progress")
	default:
		add("initialization", models.HealthStateHealthy, "")
	}

	component := func(name string, err error) {
		if err != nil {
			add(name, models.HealthStateUnhealthy, err.Error())
			return
		}
		add(name, models.HealthStateHealthy, "")
	}
	component("input-schema", comps.inputSchema)
	component("output-schema", comps.outputSchema)
	component("schema-ids", comps.schemaIDs)
	component("implementation-hash", comps.implementationHash)

	if r.bus.IsHealthy(ctx) {
		add("bus", models.HealthStateHealthy, "")
	} else {
		add("bus", models.HealthStateUnhealthy, "bus unreachable")
	}

	if r.activityMap.IsHealthy(ctx) {
		add("cache", models.HealthStateHealthy, "")
	} else {
		add("cache", models.HealthStateUnhealthy, "activity cache unreachable")
	}

	work, responses := r.queues.depths()
	queueMsg := fmt.Sprintf("work=%d responses=%d capacity=%d", work, responses, r.queues.capacity)
	// Sustained pressure near capacity degrades before admission starts
	// failing outright.
	if work >= int64(r.queues.capacity)*9/10 {
		add("queues", models.HealthStateDegraded, queueMsg)
	} else {
		add("queues", models.HealthStateHealthy, queueMsg)
	}

	message := "ok"
	if len(failing) > 0 {
		message = strings.Join(failing, "; ")
	}
	return overall, message, checks
}
