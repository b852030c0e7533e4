package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meshflow/orchestrator/cmd/orchestrator/service"
	"github.com/meshflow/orchestrator/common/correlation"
)

// Logger interface for handler logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// OrchestrationHandler handles orchestration lifecycle requests.
type OrchestrationHandler struct {
	orchestrations *service.OrchestrationService
	logger         Logger
}

// NewOrchestrationHandler creates a new orchestration handler.
func NewOrchestrationHandler(orchestrations *service.OrchestrationService, logger Logger) *OrchestrationHandler {
	return &OrchestrationHandler{
		orchestrations: orchestrations,
		logger:         logger,
	}
}

// Start starts an orchestration for a flow.
// POST /api/v1/orchestrations/:flowId/start
func (h *OrchestrationHandler) Start(c echo.Context) error {
	flowID := c.Param("flowId")
	if flowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "flowId is required"})
	}

	ctx := requestContext(c)
	result, err := h.orchestrations.Start(ctx, flowID)
	if err != nil {
		h.logger.Error("start failed", "flow_id", flowID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if !result.Started {
		return c.JSON(http.StatusUnprocessableEntity, result)
	}
	return c.JSON(http.StatusOK, result)
}

// Stop stops an orchestration.
// POST /api/v1/orchestrations/:flowId/stop
func (h *OrchestrationHandler) Stop(c echo.Context) error {
	flowID := c.Param("flowId")
	if flowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "flowId is required"})
	}

	ctx := requestContext(c)
	if err := h.orchestrations.Stop(ctx, flowID); err != nil {
		h.logger.Error("stop failed", "flow_id", flowID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"flowId": flowID, "status": "stopped"})
}

// Status returns the activity projection for a flow.
// GET /api/v1/orchestrations/:flowId/status
func (h *OrchestrationHandler) Status(c echo.Context) error {
	flowID := c.Param("flowId")
	if flowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "flowId is required"})
	}

	status, err := h.orchestrations.Status(requestContext(c), flowID)
	if err != nil {
		h.logger.Error("status lookup failed", "flow_id", flowID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, status)
}

// ProcessorsHealth returns per-processor health for a flow.
// GET /api/v1/orchestrations/:flowId/processors/health
func (h *OrchestrationHandler) ProcessorsHealth(c echo.Context) error {
	flowID := c.Param("flowId")
	if flowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "flowId is required"})
	}

	projection, err := h.orchestrations.ProcessorsHealth(requestContext(c), flowID)
	if err != nil {
		h.logger.Error("processor health lookup failed", "flow_id", flowID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, projection)
}

// requestContext seeds the request context with the inbound correlation id,
// minting one when the header is absent.
func requestContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	if id := c.Request().Header.Get(correlation.HeaderName); id != "" {
		return correlation.WithCorrelationID(ctx, id)
	}
	return correlation.WithCorrelationID(ctx, correlation.Resolve(ctx))
}
