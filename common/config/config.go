package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Managers  ManagerConfig
	Processor ProcessorConfig
	Health    HealthMonitorConfig
	Scheduler SchedulerConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// CacheConfig holds cache map names and TTLs
type CacheConfig struct {
	OrchestrationMap string
	HealthMap        string
	ActivityMap      string
	OrchestrationTTL time.Duration
	ActivityTTL      time.Duration
}

// ManagerConfig holds upstream manager service settings
type ManagerConfig struct {
	OrchestratorBaseURL string
	SchemaBaseURL       string
	RequestTimeout      time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	BreakerThreshold    int
	BreakerOpenFor      time.Duration
}

// ProcessorConfig holds worker processor runtime settings
type ProcessorConfig struct {
	Name                   string
	Version                string
	InputSchemaID          string
	OutputSchemaID         string
	EnableInputValidation  bool
	EnableOutputValidation bool
	WorkerCount            int
	QueueCapacity          int
	InitEndlessRetry       bool
	InitMaxAttempts        int
	InitBaseDelay          time.Duration
	InitMaxDelay           time.Duration
}

// HealthMonitorConfig holds processor-health monitor settings
type HealthMonitorConfig struct {
	Enabled           bool
	Interval          time.Duration
	EntryTTL          time.Duration
	WriteRetries      int
	WriteRetryBackoff bool
	EnablePerfMetrics bool
	ThroughputWindow  time.Duration
}

// SchedulerConfig holds cron scheduler settings
type SchedulerConfig struct {
	Enabled      bool
	PersistStore bool
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "orchestrator"),
			User:        getEnv("POSTGRES_USER", "orchestrator"),
			Password:    getEnv("POSTGRES_PASSWORD", "orchestrator"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Cache: CacheConfig{
			OrchestrationMap: getEnv("ORCHESTRATION_CACHE_MAP", "orchestration-cache"),
			HealthMap:        getEnv("PROCESSOR_HEALTH_MAP", "processor-health"),
			ActivityMap:      getEnv("ACTIVITY_DATA_MAP", "activity-data"),
			OrchestrationTTL: getEnvDuration("ORCHESTRATION_CACHE_TTL", 24*time.Hour),
			ActivityTTL:      getEnvDuration("ACTIVITY_DATA_TTL", 1*time.Hour),
		},
		Managers: ManagerConfig{
			OrchestratorBaseURL: getEnv("ORCHESTRATOR_MANAGER_URL", "http://localhost:8081"),
			SchemaBaseURL:       getEnv("SCHEMA_MANAGER_URL", "http://localhost:8082"),
			RequestTimeout:      getEnvDuration("MANAGER_REQUEST_TIMEOUT", 30*time.Second),
			RetryAttempts:       getEnvInt("MANAGER_RETRY_ATTEMPTS", 3),
			RetryBaseDelay:      getEnvDuration("MANAGER_RETRY_BASE_DELAY", 500*time.Millisecond),
			BreakerThreshold:    getEnvInt("MANAGER_BREAKER_THRESHOLD", 5),
			BreakerOpenFor:      getEnvDuration("MANAGER_BREAKER_OPEN_FOR", 30*time.Second),
		},
		Processor: ProcessorConfig{
			Name:                   getEnv("PROCESSOR_NAME", ""),
			Version:                getEnv("PROCESSOR_VERSION", "1.0"),
			InputSchemaID:          getEnv("PROCESSOR_INPUT_SCHEMA_ID", ""),
			OutputSchemaID:         getEnv("PROCESSOR_OUTPUT_SCHEMA_ID", ""),
			EnableInputValidation:  getEnvBool("PROCESSOR_ENABLE_INPUT_VALIDATION", true),
			EnableOutputValidation: getEnvBool("PROCESSOR_ENABLE_OUTPUT_VALIDATION", true),
			WorkerCount:            getEnvInt("PROCESSOR_WORKER_COUNT", 4),
			QueueCapacity:          getEnvInt("PROCESSOR_QUEUE_CAPACITY", 1000),
			InitEndlessRetry:       getEnvBool("PROCESSOR_INIT_ENDLESS_RETRY", false),
			InitMaxAttempts:        getEnvInt("PROCESSOR_INIT_MAX_ATTEMPTS", 5),
			InitBaseDelay:          getEnvDuration("PROCESSOR_INIT_BASE_DELAY", 1*time.Second),
			InitMaxDelay:           getEnvDuration("PROCESSOR_INIT_MAX_DELAY", 30*time.Second),
		},
		Health: HealthMonitorConfig{
			Enabled:           getEnvBool("HEALTH_MONITOR_ENABLED", true),
			Interval:          getEnvDuration("HEALTH_MONITOR_INTERVAL", 30*time.Second),
			EntryTTL:          getEnvDuration("HEALTH_ENTRY_TTL", 5*time.Minute),
			WriteRetries:      getEnvInt("HEALTH_WRITE_RETRIES", 3),
			WriteRetryBackoff: getEnvBool("HEALTH_WRITE_RETRY_BACKOFF", true),
			EnablePerfMetrics: getEnvBool("HEALTH_ENABLE_PERF_METRICS", true),
			ThroughputWindow:  getEnvDuration("HEALTH_THROUGHPUT_WINDOW", 1*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getEnvBool("SCHEDULER_ENABLED", true),
			PersistStore: getEnvBool("SCHEDULER_PERSIST_STORE", true),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Processor.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be positive")
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health monitor interval must be positive")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// CompositeKey returns the processor composite key version_name
func (p ProcessorConfig) CompositeKey() string {
	return p.Version + "_" + p.Name
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
