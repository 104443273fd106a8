package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/pkg/broker"
	"github.com/marmos91/dittobus/pkg/config"
)

// Server provides the HTTP server for the introspection API.
//
// The server is created in a stopped state; call Start to begin serving
// and Shutdown for a graceful stop.
type Server struct {
	server       *http.Server
	config       config.APIConfig
	shutdownOnce sync.Once
}

// NewServer creates a new API HTTP server over the broker subsystem.
func NewServer(cfg config.APIConfig, sub *broker.Subsystem) *Server {
	router := NewRouter(sub)

	return &Server{
		config: cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start serves requests until Shutdown or a listener error. It blocks;
// run it in a goroutine.
func (s *Server) Start() error {
	logger.Info("api server listening", logger.KeyPort, s.config.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.server.Shutdown(ctx)
	})
	return err
}
