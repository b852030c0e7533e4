package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/meshflow/orchestrator/cmd/orchestrator/container"
	"github.com/meshflow/orchestrator/cmd/orchestrator/routes"
	"github.com/meshflow/orchestrator/common/config"
	"github.com/meshflow/orchestrator/common/logger"
	"github.com/meshflow/orchestrator/common/telemetry"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	defer serviceContainer.Shutdown(ctx)

	// Observability endpoints (pprof, prometheus)
	tel := telemetry.New(
		cfg.Telemetry.PprofPort,
		cfg.Telemetry.MetricsPort,
		cfg.Telemetry.EnablePprof,
		cfg.Telemetry.EnableMetrics,
		serviceContainer.Metrics,
		log,
	)
	if err := tel.Start(ctx); err != nil {
		log.Warn("telemetry startup failed", "error", err)
	}

	// Start the event consumers that advance running flows
	if err := serviceContainer.Advancer.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start advancer: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	registerRoutes(e, serviceContainer)

	startServer(e, serviceContainer)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterHealthRoutes(e, serviceContainer)
	routes.RegisterOrchestrationRoutes(e, serviceContainer)
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, serviceContainer *container.Container) {
	port := serviceContainer.Config.Service.Port
	serviceContainer.Logger.Info("Starting orchestrator", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		serviceContainer.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
