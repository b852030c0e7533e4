package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
)

// HealthHandler reports the service's own dependency health.
type HealthHandler struct {
	serviceName      string
	orchestrationMap cache.Map
	bus              bus.Bus
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(serviceName string, orchestrationMap cache.Map, b bus.Bus) *HealthHandler {
	return &HealthHandler{
		serviceName:      serviceName,
		orchestrationMap: orchestrationMap,
		bus:              b,
	}
}

// Health reports liveness plus cache and bus connectivity.
// GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()

	checks := map[string]string{
		"cache": "ok",
		"bus":   "ok",
	}
	status := http.StatusOK

	if !h.orchestrationMap.IsHealthy(ctx) {
		checks["cache"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if !h.bus.IsHealthy(ctx) {
		checks["bus"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]interface{}{
		"service": h.serviceName,
		"status":  map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
		"checks":  checks,
	})
}
