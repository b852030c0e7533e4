package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/meshflow/orchestrator/cmd/orchestrator/container"
	"github.com/meshflow/orchestrator/cmd/orchestrator/handlers"
)

// RegisterOrchestrationRoutes registers the orchestration lifecycle routes.
func RegisterOrchestrationRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewOrchestrationHandler(c.Orchestrations, c.Logger)

	orchestrations := e.Group("/api/v1/orchestrations")
	{
		orchestrations.POST("/:flowId/start", h.Start)
		orchestrations.POST("/:flowId/stop", h.Stop)
		orchestrations.GET("/:flowId/status", h.Status)
		orchestrations.GET("/:flowId/processors/health", h.ProcessorsHealth)
	}
}

// RegisterHealthRoutes registers the service health route.
func RegisterHealthRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHealthHandler(c.Config.Service.Name, c.OrchestrationMap, c.Bus)
	e.GET("/health", h.Health)
}
