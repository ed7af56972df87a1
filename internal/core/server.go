// Package core provides the API chassis for the Jaquizy usage engine. It
// creates the chi router and enforces cross-cutting concerns -- security,
// logging, observability, and error handling -- before requests reach
// domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"jaquizy/internal/config"
)

// RouteRegistrar mounts one handler group onto the v1 router. The entry
// point populates Server.V1RouteRegistrars with these; the indirection
// avoids import cycles between core and handler packages.
type RouteRegistrar func(chi.Router)

// Server encapsulates all chassis dependencies for the API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   *Metrics

	// V1RouteRegistrars are mounted under /v1 by MountRoutes.
	V1RouteRegistrars []RouteRegistrar
	// HealthProbes are executed by the health endpoint.
	HealthProbes []HealthProbe

	// closers run during Shutdown, in registration order.
	closers []func() error

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a fail-fast check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route
// registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   NewMetrics(cfg.Service),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup function to run during Shutdown.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown performs a graceful termination of server resources, running
// registered cleanup functions in order. The first failure aborts the
// sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	for _, closer := range s.closers {
		if err := closer(); err != nil {
			s.Logger.Error("error during shutdown cleanup", "error", err)
			return fmt.Errorf("shutdown cleanup: %w", err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
