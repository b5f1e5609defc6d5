// Package githttp serves the git smart HTTP endpoints of project mirrors.
//
// Every read request is authorized and then synchronizes the project's
// mirror from its source directory before anything is served, so a fetch
// always observes the project as it was when the request arrived.
package githttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"

	"github.com/stacklok/gitbridge/internal/api/common"
	"github.com/stacklok/gitbridge/internal/auth"
	"github.com/stacklok/gitbridge/internal/gitproto"
	"github.com/stacklok/gitbridge/internal/mirror"
	"github.com/stacklok/gitbridge/internal/telemetry"
)

// DefaultMaxRequestSize bounds upload-pack request bodies after decompression
const DefaultMaxRequestSize = 32 << 20

// Request results recorded in metrics
const (
	resultServed     = "served"
	resultDenied     = "denied"
	resultRejected   = "rejected"
	resultNotFound   = "not_found"
	resultBadRequest = "bad_request"
	resultError      = "error"
)

// Authorizer decides whether credentials may read a project
type Authorizer interface {
	Check(ctx context.Context, projectID string, creds auth.Credentials) (auth.Decision, error)
}

// Protocol serves the upload-pack service from a mirror
type Protocol interface {
	Advertise(ctx context.Context, projectID string, service gitproto.Service, w io.Writer) error
	UploadPack(ctx context.Context, projectID string, body io.Reader, w io.Writer) error
}

// Routes holds the dependencies of the git endpoints
type Routes struct {
	gate           Authorizer
	engine         mirror.Engine
	proto          Protocol
	metrics        *telemetry.GitMetrics
	realm          string
	maxRequestSize int64
}

// Option configures Routes
type Option func(*Routes)

// WithGitMetrics records one measurement per git request
func WithGitMetrics(m *telemetry.GitMetrics) Option {
	return func(rr *Routes) {
		rr.metrics = m
	}
}

// WithRealm sets the realm announced in authentication challenges
func WithRealm(realm string) Option {
	return func(rr *Routes) {
		rr.realm = realm
	}
}

// WithMaxRequestSize bounds upload-pack request bodies
func WithMaxRequestSize(n int64) Option {
	return func(rr *Routes) {
		if n > 0 {
			rr.maxRequestSize = n
		}
	}
}

// NewRoutes creates the git endpoints
func NewRoutes(gate Authorizer, engine mirror.Engine, proto Protocol, opts ...Option) *Routes {
	rr := &Routes{
		gate:           gate,
		engine:         engine,
		proto:          proto,
		realm:          auth.DefaultRealm,
		maxRequestSize: DefaultMaxRequestSize,
	}
	for _, opt := range opts {
		opt(rr)
	}
	return rr
}

// Router creates the router mounted under /git. Paths it does not serve,
// including known paths with the wrong method, answer 404.
func Router(gate Authorizer, engine mirror.Engine, proto Protocol, opts ...Option) http.Handler {
	routes := NewRoutes(gate, engine, proto, opts...)

	r := chi.NewRouter()
	r.Get("/{repo}/info/refs", routes.infoRefs)
	r.Post("/{repo}/git-upload-pack", routes.uploadPack)
	r.Post("/{repo}/git-receive-pack", routes.receivePack)
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	common.WriteTextError(w, "not found", http.StatusNotFound)
}

// infoRefs handles GET /git/{id}.git/info/refs?service=...
func (rr *Routes) infoRefs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	service, err := gitproto.ParseService(r.URL.Query().Get("service"))
	if err != nil {
		rr.record(ctx, "unknown", resultRejected)
		common.WriteTextError(w, "only git-upload-pack is supported", http.StatusForbidden)
		return
	}
	if service.IsWrite() {
		rr.reject(w, r, service)
		return
	}

	projectID, ok := rr.prepare(w, r, service)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", service.AdvertisementContentType())
	w.Header().Set("Cache-Control", "no-cache")
	if err := rr.proto.Advertise(ctx, projectID, service, w); err != nil {
		w.Header().Del("Content-Type")
		w.Header().Del("Cache-Control")
		rr.protocolError(w, r, service, projectID, err, false)
		return
	}
	rr.record(ctx, string(service), resultServed)
}

// uploadPack handles POST /git/{id}.git/git-upload-pack
func (rr *Routes) uploadPack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := gitproto.UploadPack

	projectID, ok := rr.prepare(w, r, service)
	if !ok {
		return
	}

	body := io.Reader(http.MaxBytesReader(w, r.Body, rr.maxRequestSize))
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			rr.record(ctx, string(service), resultBadRequest)
			common.WriteTextError(w, "invalid gzip request body", http.StatusBadRequest)
			return
		}
		defer func() { _ = gz.Close() }()
		body = io.LimitReader(gz, rr.maxRequestSize)
	}

	w.Header().Set("Content-Type", service.ResultContentType())
	w.Header().Set("Cache-Control", "no-cache")
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	if err := rr.proto.UploadPack(ctx, projectID, body, ww); err != nil {
		started := ww.BytesWritten() > 0
		if !started {
			w.Header().Del("Content-Type")
			w.Header().Del("Cache-Control")
		}
		rr.protocolError(ww, r, service, projectID, err, started)
		return
	}
	rr.record(ctx, string(service), resultServed)
}

// receivePack handles POST /git/{id}.git/git-receive-pack. Mirrors are never
// writable, so the request is refused without reading it.
func (rr *Routes) receivePack(w http.ResponseWriter, r *http.Request) {
	rr.reject(w, r, gitproto.ReceivePack)
}

func (rr *Routes) reject(w http.ResponseWriter, r *http.Request, service gitproto.Service) {
	rr.record(r.Context(), string(service), resultRejected)
	common.WriteTextError(w, "this repository is read-only", http.StatusForbidden)
}

// prepare resolves the project id, authorizes the request and synchronizes
// the mirror. It writes the error response and returns false when the
// request cannot be served.
func (rr *Routes) prepare(w http.ResponseWriter, r *http.Request, service gitproto.Service) (string, bool) {
	ctx := r.Context()

	projectID, err := common.ProjectIDFromRepoParam(r, "repo")
	if errors.Is(err, common.ErrNotRepository) {
		rr.record(ctx, string(service), resultNotFound)
		notFound(w, r)
		return "", false
	}
	if err != nil {
		rr.record(ctx, string(service), resultBadRequest)
		common.WriteTextError(w, "invalid project id", http.StatusBadRequest)
		return "", false
	}

	decision, err := rr.gate.Check(ctx, projectID, auth.ExtractCredentials(r))
	if err != nil {
		slog.ErrorContext(ctx, "Authorization check failed", "project_id", projectID, "error", err)
		rr.record(ctx, string(service), resultError)
		common.WriteTextError(w, "internal server error", http.StatusInternalServerError)
		return "", false
	}
	if decision != auth.Allow {
		rr.record(ctx, string(service), resultDenied)
		auth.WriteChallenge(w, rr.realm)
		return "", false
	}

	outcome, err := rr.engine.Sync(ctx, projectID)
	if err != nil {
		// The engine logs the failure with its reason
		rr.record(ctx, string(service), resultError)
		common.WriteTextError(w, "failed to synchronize project", http.StatusInternalServerError)
		return "", false
	}
	if outcome == mirror.ProjectRemoved {
		rr.record(ctx, string(service), resultNotFound)
		common.WriteTextError(w, "project not found", http.StatusNotFound)
		return "", false
	}

	return projectID, true
}

// protocolError maps a bridge error to a response. Once part of the response
// has been streamed the status can no longer change, so the error is only
// logged.
func (rr *Routes) protocolError(
	w http.ResponseWriter, r *http.Request, service gitproto.Service, projectID string, err error, started bool,
) {
	ctx := r.Context()

	if ctx.Err() != nil {
		slog.DebugContext(ctx, "Client went away", "project_id", projectID, "service", service, "error", err)
		rr.record(ctx, string(service), resultError)
		return
	}

	switch {
	case errors.Is(err, gitproto.ErrProtocol):
		slog.InfoContext(ctx, "Malformed git request", "project_id", projectID, "service", service, "error", err)
		rr.record(ctx, string(service), resultBadRequest)
		if !started {
			common.WriteTextError(w, "malformed request", http.StatusBadRequest)
		}
	case errors.Is(err, gitproto.ErrNotFound):
		rr.record(ctx, string(service), resultNotFound)
		if !started {
			common.WriteTextError(w, "project not found", http.StatusNotFound)
		}
	default:
		slog.ErrorContext(ctx, "Failed to serve git request", "project_id", projectID, "service", service, "error", err)
		rr.record(ctx, string(service), resultError)
		if !started {
			common.WriteTextError(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

func (rr *Routes) record(ctx context.Context, service, result string) {
	rr.metrics.RecordRequest(ctx, service, result)
}
