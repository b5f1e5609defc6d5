// Package health provides the liveness, readiness and version endpoints.
package health

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/gitbridge/internal/api/common"
	"github.com/stacklok/gitbridge/internal/versions"
)

// ReadinessCheck reports whether a dependency is ready to serve requests
type ReadinessCheck func(ctx context.Context) error

// Router creates a router for health check endpoints. Every check must pass
// for /readiness to report ready.
func Router(checks ...ReadinessCheck) http.Handler {
	r := chi.NewRouter()

	r.Get("/", healthHandler)
	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(checks))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler handles readiness check requests
func readinessHandler(checks []ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				slog.WarnContext(r.Context(), "Readiness check failed", "error", err)
				common.WriteErrorResponse(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		common.WriteJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
	}
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()
	common.WriteJSONResponse(w, VersionResponse{
		Version:   info.Version,
		Commit:    info.Commit,
		BuildDate: info.BuildDate,
		GoVersion: info.GoVersion,
		Platform:  info.Platform,
	}, http.StatusOK)
}
