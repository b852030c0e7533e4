package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshflow/orchestrator/common/logger"
	"github.com/meshflow/orchestrator/common/metrics"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	metrics     *metrics.Metrics
	pprofAddr   string
	metricsAddr string
	enablePprof bool
	enableMetrics bool
}

// New creates telemetry components
func New(pprofPort, metricsPort int, enablePprof, enableMetrics bool, m *metrics.Metrics, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:           log,
		metrics:       m,
		pprofAddr:     fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr:   fmt.Sprintf(":%d", metricsPort),
		enablePprof:   enablePprof,
		enableMetrics: enableMetrics,
	}
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.enablePprof {
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.enableMetrics && t.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.metrics.Registry, promhttp.HandlerOpts{}))
		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsAddr)
			if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
