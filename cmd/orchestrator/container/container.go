package container

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/meshflow/orchestrator/cmd/orchestrator/service"
	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/clients"
	"github.com/meshflow/orchestrator/common/condition"
	"github.com/meshflow/orchestrator/common/config"
	"github.com/meshflow/orchestrator/common/db"
	"github.com/meshflow/orchestrator/common/health"
	"github.com/meshflow/orchestrator/common/logger"
	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/scheduler"
	"github.com/meshflow/orchestrator/common/schema"
)

// Container holds all initialized services (singleton pattern).
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	Redis *redis.Client
	DB    *db.DB

	OrchestrationMap cache.Map
	HealthMap        cache.Map
	ActivityMap      cache.Map

	Bus            bus.Bus
	Validator      *schema.Validator
	Managers       *clients.ManagerClient
	HealthReader   *health.Reader
	Scheduler      *scheduler.Scheduler
	Orchestrations *service.OrchestrationService
	Advancer       *service.Advancer
}

// NewContainer initializes all services once, bottom-up.
func NewContainer(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	m := metrics.New(cfg.Service.Name)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	orchestrationMap := cache.NewRedisMap(redisClient, cfg.Cache.OrchestrationMap, cfg.Cache.OrchestrationTTL, log)
	healthMap := cache.NewRedisMap(redisClient, cfg.Cache.HealthMap, 0, log)
	activityMap := cache.NewRedisMap(redisClient, cfg.Cache.ActivityMap, cfg.Cache.ActivityTTL, log)

	messageBus := bus.NewRedisBus(redisClient, log)
	validator := schema.NewValidator(log)

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

	healthReader := health.NewReader(healthMap, log)

	c := &Container{
		Config:           cfg,
		Logger:           log,
		Metrics:          m,
		Redis:            redisClient,
		OrchestrationMap: orchestrationMap,
		HealthMap:        healthMap,
		ActivityMap:      activityMap,
		Bus:              messageBus,
		Validator:        validator,
		Managers:         managers,
		HealthReader:     healthReader,
	}

	if cfg.Scheduler.Enabled {
		var store scheduler.Store
		if cfg.Scheduler.PersistStore {
			database, err := db.New(ctx, cfg, log)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}
			c.DB = database

			store, err = scheduler.NewPostgresStore(ctx, database.Pool, log)
			if err != nil {
				return nil, fmt.Errorf("failed to create schedule store: %w", err)
			}
		}

		// The fire path resolves through the container so the scheduler can
		// be constructed before the orchestration service it triggers.
		c.Scheduler = scheduler.New(func(ctx context.Context, flowID, correlationID string) error {
			m.ScheduleFires.Inc()
			_, err := c.Orchestrations.Start(ctx, flowID)
			return err
		}, store, log)
	}

	c.Orchestrations = service.NewOrchestrationService(service.OrchestrationOpts{
		Managers:         managers,
		Validator:        validator,
		OrchestrationMap: orchestrationMap,
		HealthReader:     healthReader,
		Scheduler:        c.Scheduler,
		Bus:              messageBus,
		CacheTTL:         cfg.Cache.OrchestrationTTL,
		Metrics:          m,
		Logger:           log,
	})

	c.Advancer = service.NewAdvancer(service.AdvancerOpts{
		Bus:              messageBus,
		OrchestrationMap: orchestrationMap,
		ActivityMap:      activityMap,
		Guards:           condition.NewEvaluator(),
		Workers:          cfg.Processor.WorkerCount,
		Metrics:          m,
		Logger:           log,
	})

	if c.Scheduler != nil {
		if err := c.Scheduler.Restore(ctx); err != nil {
			log.Warn("failed to restore persisted schedules", "error", err)
		}
	}

	return c, nil
}

// Shutdown releases the container's connections.
func (c *Container) Shutdown(ctx context.Context) {
	if c.Scheduler != nil {
		if err := c.Scheduler.Shutdown(ctx); err != nil {
			c.Logger.Warn("scheduler shutdown incomplete", "error", err)
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
	if err := c.Redis.Close(); err != nil {
		c.Logger.Warn("failed to close redis client", "error", err)
	}
}
