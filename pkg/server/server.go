// Package server assembles the broker with its observability surfaces
// and drives graceful startup and shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/pkg/api"
	"github.com/marmos91/dittobus/pkg/broker"
	"github.com/marmos91/dittobus/pkg/metrics"
)

// Server owns the broker subsystem and its HTTP sidecars.
type Server struct {
	sub             *broker.Subsystem
	shutdownTimeout time.Duration

	apiServer     *api.Server
	metricsServer *http.Server
}

// New creates a server around an initialized subsystem.
func New(sub *broker.Subsystem, shutdownTimeout time.Duration) *Server {
	return &Server{
		sub:             sub,
		shutdownTimeout: shutdownTimeout,
	}
}

// Subsystem returns the broker subsystem.
func (s *Server) Subsystem() *broker.Subsystem {
	return s.sub
}

// SetAPIServer attaches the introspection API server.
func (s *Server) SetAPIServer(srv *api.Server) {
	s.apiServer = srv
}

// EnableMetrics attaches a /metrics endpoint on the given port. Requires
// metrics.InitRegistry to have run.
func (s *Server) EnableMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}

// Serve runs until the context is canceled, then shuts everything down
// within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.apiServer != nil {
		go func() {
			if err := s.apiServer.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	if s.metricsServer != nil {
		go func() {
			logger.Info("metrics server listening", logger.KeyAddr, s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown error", logger.KeyError, err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", logger.KeyError, err)
		}
	}

	// Tear down the object graph below the root so connections observe
	// shutdown rather than silence.
	for _, ns := range s.sub.Root().Children() {
		ns.Disconnect()
	}
	for _, b := range s.sub.Root().Buses() {
		b.Disconnect()
	}

	return runErr
}
