// Package api wires the HTTP endpoints of gitbridge onto one router.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/gitbridge/internal/api/admin"
	"github.com/stacklok/gitbridge/internal/api/githttp"
	"github.com/stacklok/gitbridge/internal/api/health"
	"github.com/stacklok/gitbridge/internal/mirror"
	"github.com/stacklok/gitbridge/internal/status"
	"github.com/stacklok/gitbridge/internal/tokens"
)

// Dependencies are the components served by the HTTP API
type Dependencies struct {
	Gate     githttp.Authorizer
	Engine   mirror.Engine
	Protocol githttp.Protocol
	Tokens   tokens.Store
	Tracker  *status.Tracker

	// AdminKey protects the admin API; empty disables it
	AdminKey string
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares     []func(http.Handler) http.Handler
	metricsHandler  http.Handler
	gitOptions      []githttp.Option
	adminOptions    []admin.Option
	readinessChecks []health.ReadinessCheck
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler serves h at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// WithGitOptions configures the git endpoints
func WithGitOptions(opts ...githttp.Option) ServerOption {
	return func(cfg *serverConfig) {
		cfg.gitOptions = append(cfg.gitOptions, opts...)
	}
}

// WithAdminOptions configures the admin API
func WithAdminOptions(opts ...admin.Option) ServerOption {
	return func(cfg *serverConfig) {
		cfg.adminOptions = append(cfg.adminOptions, opts...)
	}
}

// WithReadinessChecks adds checks that must pass for /readiness to succeed
func WithReadinessChecks(checks ...health.ReadinessCheck) ServerOption {
	return func(cfg *serverConfig) {
		cfg.readinessChecks = append(cfg.readinessChecks, checks...)
	}
}

// NewServer creates and configures the HTTP router
func NewServer(deps Dependencies, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", health.Router(cfg.readinessChecks...))
	if cfg.metricsHandler != nil {
		r.Handle("/metrics", cfg.metricsHandler)
	}
	r.Mount("/git", githttp.Router(deps.Gate, deps.Engine, deps.Protocol, cfg.gitOptions...))
	r.Mount("/admin/api", admin.Router(deps.AdminKey, deps.Tokens, deps.Tracker, deps.Engine, cfg.adminOptions...))

	return r
}

// LoggingMiddleware logs HTTP requests. Query strings are omitted since
// they may carry credentials.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
