package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/meshflow/orchestrator/cmd/processor/activity"
	"github.com/meshflow/orchestrator/cmd/processor/runtime"
	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/clients"
	"github.com/meshflow/orchestrator/common/config"
	"github.com/meshflow/orchestrator/common/health"
	"github.com/meshflow/orchestrator/common/logger"
	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/schema"
	"github.com/meshflow/orchestrator/common/server"
	"github.com/meshflow/orchestrator/common/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("processor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Processor.Name == "" {
		fmt.Fprintln(os.Stderr, "PROCESSOR_NAME is required")
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	m := metrics.New(cfg.Service.Name)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to redis: %v\n", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	activityMap := cache.NewRedisMap(redisClient, cfg.Cache.ActivityMap, cfg.Cache.ActivityTTL, log)
	healthMap := cache.NewRedisMap(redisClient, cfg.Cache.HealthMap, 0, log)
	messageBus := bus.NewRedisBus(redisClient, log)

	managers := clients.NewManagerClient(clients.ManagerClientOpts{
		OrchestratorBaseURL: cfg.Managers.OrchestratorBaseURL,
		SchemaBaseURL:       cfg.Managers.SchemaBaseURL,
		HTTP: clients.NewResilientClient(clients.ResilientClientOpts{
			Name:             "managers",
			Timeout:          cfg.Managers.RequestTimeout,
			RetryAttempts:    cfg.Managers.RetryAttempts,
			RetryBaseDelay:   cfg.Managers.RetryBaseDelay,
			BreakerThreshold: cfg.Managers.BreakerThreshold,
			BreakerOpenFor:   cfg.Managers.BreakerOpenFor,
			Logger:           log,
		}),
		Logger: log,
	})

	var sampler *metrics.PerfSampler
	if cfg.Health.EnablePerfMetrics {
		sampler = metrics.NewPerfSampler(cfg.Health.ThroughputWindow)
	}

	rt := runtime.New(runtime.Opts{
		Config:      cfg.Processor,
		Bus:         messageBus,
		ActivityMap: activityMap,
		Validator:   schema.NewValidator(log),
		Managers:    managers,
		Activity:    activity.NewPassthrough(cfg.Processor.Name, cfg.Processor.Version),
		Metrics:     m,
		Sampler:     sampler,
		Logger:      log,
	})

	// Health reporting starts before initialization completes so the pod is
	// observable while it retries.
	if cfg.Health.Enabled {
		podID, _ := os.Hostname()
		monitor := health.NewMonitor(health.MonitorOpts{
			Source:            rt,
			HealthMap:         healthMap,
			PodID:             podID,
			Interval:          cfg.Health.Interval,
			EntryTTL:          cfg.Health.EntryTTL,
			WriteRetries:      cfg.Health.WriteRetries,
			WriteRetryBackoff: cfg.Health.WriteRetryBackoff,
			Sampler:           sampler,
			Metadata:          metrics.CaptureSystemInfo().Metadata(),
			Metrics:           m,
			Logger:            log,
		})
		go monitor.Run(ctx)
	}

	tel := telemetry.New(
		cfg.Telemetry.PprofPort,
		cfg.Telemetry.MetricsPort,
		cfg.Telemetry.EnablePprof,
		cfg.Telemetry.EnableMetrics,
		m,
		log,
	)
	if err := tel.Start(ctx); err != nil {
		log.Warn("telemetry startup failed", "error", err)
	}

	go func() {
		if err := rt.Initialize(ctx); err != nil {
			log.Error("initialization failed, not consuming commands", "error", err)
			return
		}
		if err := rt.Start(ctx); err != nil {
			log.Error("failed to start runtime", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler())

	srv := server.New(cfg.Service.Name, cfg.Service.Port, mux, log)
	if err := srv.Start(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
