package gitproto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitbridge/internal/git"
	"github.com/stacklok/gitbridge/internal/otel"
	"github.com/stacklok/gitbridge/internal/pktline"
	"github.com/stacklok/gitbridge/internal/redact"
	"github.com/stacklok/gitbridge/internal/versions"
)

// TracerName is the instrumentation scope of protocol spans
const TracerName = "github.com/stacklok/gitbridge/gitproto"

var (
	haveLine = []byte("have ")
	doneLine = []byte("done")
)

// Bridge runs upload-pack against the mirrors below a git root.
type Bridge struct {
	gitRoot string
	branch  string
	git     git.Client
	tracer  trace.Tracer
	paths   *redact.Paths
}

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge)

// WithGitClient sets the client used to open mirrors
func WithGitClient(c git.Client) BridgeOption {
	return func(b *Bridge) {
		b.git = c
	}
}

// WithTracerProvider enables protocol spans
func WithTracerProvider(tp trace.TracerProvider) BridgeOption {
	return func(b *Bridge) {
		b.tracer = otel.Tracer(tp, TracerName)
	}
}

// NewBridge creates a Bridge serving "<gitRoot>/<projectID>.git".
func NewBridge(gitRoot, branch string, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		gitRoot: gitRoot,
		branch:  branch,
		git:     git.NewDefaultGitClient(),
		paths:   redact.NewPaths(map[string]string{gitRoot: "$GIT_ROOT"}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// mirrorSession is an upload-pack session on one open mirror
type mirrorSession struct {
	transport.UploadPackSession
	storer  storer.EncodedObjectStorer
	release func()
}

// has reports whether the mirror stores the object.
func (m *mirrorSession) has(h plumbing.Hash) bool {
	return m.storer.HasEncodedObject(h) == nil
}

func (m *mirrorSession) Close() error {
	err := m.UploadPackSession.Close()
	m.release()
	return err
}

// open opens the mirror of projectID and starts an upload-pack session on it.
func (b *Bridge) open(ctx context.Context, projectID string) (*mirrorSession, error) {
	repoInfo, err := b.git.Open(filepath.Join(b.gitRoot, projectID+".git"), b.branch)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, err
	}
	release := func() {
		if err := b.git.Cleanup(ctx, repoInfo); err != nil {
			slog.WarnContext(ctx, "Failed to close mirror", "project_id", projectID, "error", b.paths.Error(err))
		}
	}

	ep, err := transport.NewEndpoint("/" + projectID + ".git")
	if err != nil {
		release()
		return nil, err
	}
	st := repoInfo.Storer()
	sess, err := server.NewServer(server.MapLoader{ep.String(): st}).NewUploadPackSession(ep, nil)
	if err != nil {
		release()
		return nil, err
	}
	return &mirrorSession{UploadPackSession: sess, storer: st, release: release}, nil
}

// Advertise writes the smart HTTP ref advertisement for service. Returned
// errors do not name the git root.
func (b *Bridge) Advertise(ctx context.Context, projectID string, service Service, w io.Writer) (err error) {
	defer func() { err = b.paths.Error(err) }()

	switch {
	case service.IsWrite():
		return ErrWriteRejected
	case service != UploadPack:
		return fmt.Errorf("%w: %q", ErrUnsupportedService, service)
	}

	ctx, span := otel.StartSpan(ctx, b.tracer, "gitproto.Advertise",
		trace.WithAttributes(otel.AttrProjectID.String(projectID), otel.AttrGitService.String(string(service))))
	defer span.End()

	sess, err := b.open(ctx, projectID)
	if err != nil {
		otel.RecordError(span, err)
		return err
	}
	defer func() { _ = sess.Close() }()

	ar, err := sess.AdvertisedReferencesContext(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to list references: %w", err)
	}
	if err := ar.Capabilities.Set(capability.Agent, versions.Agent()); err != nil {
		return fmt.Errorf("failed to set agent capability: %w", err)
	}
	if ar.Head != nil {
		target := plumbing.NewBranchReferenceName(b.branch)
		if err := ar.Capabilities.Set(capability.SymRef, plumbing.HEAD.String()+":"+target.String()); err != nil {
			return fmt.Errorf("failed to set symref capability: %w", err)
		}
	}

	// Encode fully before writing so that a failure never leaves a truncated
	// advertisement on the wire.
	var buf bytes.Buffer
	enc := pktline.NewEncoder(&buf)
	if err := enc.Writef("# service=%s\n", service); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	if err := ar.Encode(&buf); err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to encode references: %w", err)
	}

	_, err = buf.WriteTo(w)
	return err
}

// UploadPack answers one stateless upload-pack request read from body.
//
// A request that ends without "done" is a negotiation round and is answered
// with a bare NAK, so the client keeps going until it sends "done". The final
// request is answered with a pack containing everything the client wants and
// does not provably have. Returned errors do not name the git root.
func (b *Bridge) UploadPack(ctx context.Context, projectID string, body io.Reader, w io.Writer) (err error) {
	defer func() { err = b.paths.Error(err) }()

	ctx, span := otel.StartSpan(ctx, b.tracer, "gitproto.UploadPack",
		trace.WithAttributes(otel.AttrProjectID.String(projectID), otel.AttrGitService.String(string(UploadPack))))
	defer span.End()

	req := packp.NewUploadPackRequest()
	if err := req.UploadRequest.Decode(body); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	haves, done, err := decodeHaves(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if len(req.Wants) == 0 {
		return fmt.Errorf("%w: no wants", ErrProtocol)
	}
	if len(req.Shallows) > 0 || req.Depth != packp.DepthCommits(0) {
		return fmt.Errorf("%w: shallow fetches are not supported", ErrProtocol)
	}

	if !done {
		return pktline.NewEncoder(w).WriteString("NAK\n")
	}

	sess, err := b.open(ctx, projectID)
	if err != nil {
		otel.RecordError(span, err)
		return err
	}
	defer func() { _ = sess.Close() }()

	// Unknown haves (for example commits from a deleted and recreated
	// project) are dropped rather than failing the fetch.
	for _, h := range haves {
		if sess.has(h) {
			req.Haves = append(req.Haves, h)
		}
	}
	for _, want := range req.Wants {
		if !sess.has(want) {
			return fmt.Errorf("%w: unknown object %s", ErrProtocol, want)
		}
	}

	resp, err := sess.UploadPack(ctx, req)
	if err != nil {
		otel.RecordError(span, err)
		if errors.Is(err, transport.ErrEmptyUploadPackRequest) {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return fmt.Errorf("upload-pack failed: %w", err)
	}
	defer func() { _ = resp.Close() }()

	// The server answers the final round with NAK regardless of the haves.
	// Acknowledge a common commit so clients do not report a full fetch.
	if len(req.Haves) > 0 {
		resp.ACKs = []plumbing.Hash{req.Haves[0]}
	}

	if err := resp.Encode(w); err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to stream pack: %w", err)
	}
	return nil
}

// decodeHaves reads the have lines following the wants. It reports whether
// the request ended with "done".
func decodeHaves(r io.Reader) ([]plumbing.Hash, bool, error) {
	dec := pktline.NewDecoder(r)
	var haves []plumbing.Hash
	for {
		line, err := dec.ReadPacket()
		switch {
		case errors.Is(err, io.EOF):
			return haves, false, nil
		case errors.Is(err, pktline.ErrFlush):
			continue
		case err != nil:
			return nil, false, err
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		switch {
		case bytes.Equal(line, doneLine):
			return haves, true, nil
		case bytes.HasPrefix(line, haveLine):
			hex := string(line[len(haveLine):])
			if !plumbing.IsHash(hex) {
				return nil, false, fmt.Errorf("invalid have %q", hex)
			}
			haves = append(haves, plumbing.NewHash(hex))
		default:
			return nil, false, fmt.Errorf("unexpected line %q", line)
		}
	}
}
