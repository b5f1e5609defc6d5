// Package admin provides the token management and sync status API used by
// the administration interface.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/stacklok/gitbridge/internal/api/common"
	"github.com/stacklok/gitbridge/internal/mirror"
	"github.com/stacklok/gitbridge/internal/status"
	"github.com/stacklok/gitbridge/internal/tokens"
	"github.com/stacklok/gitbridge/internal/validators"
)

const (
	// DefaultFailureBurst is the number of failed logins accepted before throttling
	DefaultFailureBurst = 5

	// DefaultFailureInterval is the time after which one more failed login is accepted
	DefaultFailureInterval = 12 * time.Second

	maxBodySize = 4096
)

// CreateTokenRequest is the body of POST /tokens
type CreateTokenRequest struct {
	Label string `json:"label"`
}

// TokenListResponse is the body of GET /tokens
type TokenListResponse struct {
	Tokens []tokens.Descriptor `json:"tokens"`
}

// ProjectListResponse is the body of GET /projects
type ProjectListResponse struct {
	Projects []status.ProjectStatus `json:"projects"`
}

// SyncResponse is the body of POST /projects/{id}/sync
type SyncResponse struct {
	ProjectID string `json:"project_id"`
	Outcome   string `json:"outcome"`
}

// Routes holds the admin API dependencies
type Routes struct {
	store   tokens.Store
	tracker *status.Tracker
	engine  mirror.Engine
	key     []byte
	limiter *rate.Limiter
	refill  time.Duration
}

// Option configures Routes
type Option func(*Routes)

// WithFailureLimit sets how many failed logins are accepted, and how fast
// the allowance refills.
func WithFailureLimit(burst int, every time.Duration) Option {
	return func(rr *Routes) {
		rr.limiter = rate.NewLimiter(rate.Every(every), burst)
		rr.refill = every
	}
}

// NewRoutes creates the admin API. An empty key disables every endpoint.
func NewRoutes(key string, store tokens.Store, tracker *status.Tracker, engine mirror.Engine, opts ...Option) *Routes {
	rr := &Routes{
		store:   store,
		tracker: tracker,
		engine:  engine,
		key:     []byte(key),
		limiter: rate.NewLimiter(rate.Every(DefaultFailureInterval), DefaultFailureBurst),
		refill:  DefaultFailureInterval,
	}
	for _, opt := range opts {
		opt(rr)
	}
	return rr
}

// Router creates the router mounted under /admin/api
func Router(key string, store tokens.Store, tracker *status.Tracker, engine mirror.Engine, opts ...Option) http.Handler {
	routes := NewRoutes(key, store, tracker, engine, opts...)

	r := chi.NewRouter()
	r.Use(routes.authenticate)

	r.Get("/tokens", routes.listTokens)
	r.Post("/tokens", routes.createToken)
	r.Delete("/tokens/{id}", routes.deleteToken)

	r.Get("/projects", routes.listProjects)
	r.Get("/projects/{id}", routes.getProject)
	r.Post("/projects/{id}/sync", routes.syncProject)

	return r
}

// authenticate requires "Authorization: Bearer <admin key>". While failed
// attempts exceed the allowance, every attempt is refused with 429 without
// looking at the key.
func (rr *Routes) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(rr.key) == 0 {
			common.WriteErrorResponse(w, "admin API is disabled", http.StatusServiceUnavailable)
			return
		}
		if rr.limiter.Tokens() < 1 {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(rr.refill.Seconds()))))
			common.WriteErrorResponse(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}

		scheme, key, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "Bearer") || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), rr.key) != 1 {
			rr.limiter.Allow()
			slog.WarnContext(r.Context(), "Admin authentication failed", "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="gitbridge-admin"`)
			common.WriteErrorResponse(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// listTokens handles GET /tokens
func (rr *Routes) listTokens(w http.ResponseWriter, r *http.Request) {
	list, err := rr.store.List(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list tokens", "error", err)
		common.WriteErrorResponse(w, "failed to list tokens", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []tokens.Descriptor{}
	}
	common.WriteJSONResponse(w, TokenListResponse{Tokens: list}, http.StatusOK)
}

// createToken handles POST /tokens. The response is the only time the token
// value is revealed.
func (rr *Routes) createToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, err := rr.store.Create(r.Context(), req.Label)
	switch {
	case errors.Is(err, tokens.ErrInvalidLabel):
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "Failed to create token", "error", err)
		common.WriteErrorResponse(w, "failed to create token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	common.WriteJSONResponse(w, created, http.StatusCreated)
}

// deleteToken handles DELETE /tokens/{id}
func (rr *Routes) deleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	deleted, err := rr.store.Delete(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to delete token", "token_id", id, "error", err)
		common.WriteErrorResponse(w, "failed to delete token", http.StatusInternalServerError)
		return
	}
	if !deleted {
		common.WriteErrorResponse(w, "token not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listProjects handles GET /projects
func (rr *Routes) listProjects(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, ProjectListResponse{Projects: rr.tracker.List()}, http.StatusOK)
}

// getProject handles GET /projects/{id}
func (rr *Routes) getProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	s, found := rr.tracker.Get(id)
	if !found {
		common.WriteErrorResponse(w, "no sync recorded for project", http.StatusNotFound)
		return
	}
	common.WriteJSONResponse(w, status.ProjectStatus{ProjectID: id, SyncStatus: s}, http.StatusOK)
}

// syncProject handles POST /projects/{id}/sync
func (rr *Routes) syncProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	outcome, err := rr.engine.Sync(r.Context(), id)
	if err != nil {
		common.WriteErrorResponse(w, "sync failed", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, SyncResponse{ProjectID: id, Outcome: outcome.String()}, http.StatusOK)
}

func projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := common.GetAndValidateURLParam(r, "id")
	if err == nil {
		err = validators.ValidateProjectID(id)
	}
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return id, true
}
