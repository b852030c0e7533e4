package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshflow/orchestrator/common/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	// In-flight requests get this long to finish on SIGTERM before the
	// listener is torn down hard.
	shutdownGrace = 30 * time.Second
)

// Server runs an HTTP listener until SIGINT/SIGTERM, then drains
// in-flight requests before returning.
type Server struct {
	name string
	http *http.Server
	log  *logger.Logger
}

// New creates a server for the given handler.
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		name: name,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		log: log,
	}
}

// Start serves until the listener fails or a shutdown signal arrives.
// Blocking; returns nil after a clean drain.
func (s *Server) Start() error {
	listenErr := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "service", s.name, "addr", s.http.Addr)
		listenErr <- s.http.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-listenErr:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-stop:
		s.log.Info("shutdown signal received", "service", s.name, "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error("drain did not complete, closing listener", "error", err)
		if err := s.http.Close(); err != nil {
			return fmt.Errorf("failed to close http server: %w", err)
		}
	}

	s.log.Info("http server stopped", "service", s.name)
	return nil
}

// HealthHandler answers liveness probes.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}
}
