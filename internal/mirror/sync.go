package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitbridge/internal/auth"
	"github.com/stacklok/gitbridge/internal/git"
	"github.com/stacklok/gitbridge/internal/otel"
	"github.com/stacklok/gitbridge/internal/projects"
	"github.com/stacklok/gitbridge/internal/redact"
	"github.com/stacklok/gitbridge/internal/snapshot"
	"github.com/stacklok/gitbridge/internal/status"
	"github.com/stacklok/gitbridge/internal/telemetry"
	"github.com/stacklok/gitbridge/internal/validators"
)

const (
	// TracerName is the instrumentation scope of sync spans
	TracerName = "github.com/stacklok/gitbridge/mirror"

	// DefaultLockTimeout bounds how long a sync waits for another sync of the same project
	DefaultLockTimeout = 5 * time.Minute

	sourceChangedTries = 3
	sourceChangedDelay = 100 * time.Millisecond
)

// SourceLocator resolves project source directories
type SourceLocator interface {
	// Root returns the directory holding all project sources
	Root() string
	SourceDir(projectID string) (string, error)
}

// Config holds the settings of an Engine
type Config struct {
	// GitRoot holds the mirrors, named "<projectID>.git"
	GitRoot string
	// LockDir holds per-project lock files
	LockDir string
	// Branch is the only branch written
	Branch string
	// AuthorName and AuthorEmail identify snapshot commits
	AuthorName  string
	AuthorEmail string
}

// Option configures an Engine
type Option func(*engine)

// WithGitClient replaces the repository client
func WithGitClient(c git.Client) Option {
	return func(e *engine) { e.git = c }
}

// WithTracker records sync observations in t
func WithTracker(t *status.Tracker) Option {
	return func(e *engine) { e.tracker = t }
}

// WithSyncMetrics records sync durations and outcomes
func WithSyncMetrics(m *telemetry.SyncMetrics) Option {
	return func(e *engine) { e.metrics = m }
}

// WithTracerProvider enables sync spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *engine) {
		e.tracer = otel.Tracer(tp, TracerName)
	}
}

// WithClock replaces the time source used for commit timestamps
func WithClock(now func() time.Time) Option {
	return func(e *engine) { e.now = now }
}

// WithLockTimeout changes how long a sync waits for the project lock
func WithLockTimeout(d time.Duration) Option {
	return func(e *engine) { e.lockTimeout = d }
}

type engine struct {
	cfg         Config
	sources     SourceLocator
	locks       *projectLocks
	git         git.Client
	tracker     *status.Tracker
	metrics     *telemetry.SyncMetrics
	tracer      trace.Tracer
	now         func() time.Time
	lockTimeout time.Duration
	scanOptions snapshot.Options
	paths       *redact.Paths
}

// NewEngine creates the sync engine for mirrors below cfg.GitRoot.
func NewEngine(cfg Config, sources SourceLocator, opts ...Option) (Engine, error) {
	if cfg.GitRoot == "" || cfg.Branch == "" {
		return nil, errors.New("git root and branch are required")
	}
	if cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(cfg.GitRoot, ".locks")
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "gitbridge"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "gitbridge@localhost"
	}
	if err := os.MkdirAll(cfg.LockDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	e := &engine{
		cfg:         cfg,
		sources:     sources,
		locks:       newProjectLocks(cfg.LockDir),
		git:         git.NewDefaultGitClient(),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
		scanOptions: snapshot.Options{
			ExcludeRoot:   []string{auth.OverrideFileName},
			DefaultIgnore: snapshot.DefaultIgnore,
		},
		paths: redact.NewPaths(map[string]string{
			cfg.GitRoot:    "$GIT_ROOT",
			cfg.LockDir:    "$LOCK_DIR",
			sources.Root(): "$PROJECTS",
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Sync implements Engine
func (e *engine) Sync(ctx context.Context, projectID string) (Outcome, error) {
	if err := validators.ValidateProjectID(projectID); err != nil {
		return UpToDate, &SyncError{ProjectID: projectID, Reason: ReasonInvalidProject, Err: err}
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := otel.StartSpan(ctx, e.tracer, "mirror.Sync",
		trace.WithAttributes(otel.AttrProjectID.String(projectID)))
	defer span.End()

	start := time.Now()
	e.tracker.Started(projectID)

	outcome, tip, err := e.sync(ctx, projectID)
	duration := time.Since(start)

	if err != nil {
		otel.RecordError(span, err)
		reason := ReasonScan
		var syncErr *SyncError
		if errors.As(err, &syncErr) {
			reason = syncErr.Reason
		}
		e.tracker.Failed(projectID, reason)
		e.metrics.RecordSync(ctx, "failed", duration, false)
		slog.ErrorContext(ctx, "Sync failed",
			"project_id", projectID,
			"reason", reason,
			"duration", duration,
			"error", err)
		return outcome, err
	}

	span.SetAttributes(otel.AttrSyncOutcome.String(outcome.String()))
	if tip != "" {
		span.SetAttributes(otel.AttrCommit.String(tip))
	}
	if outcome == ProjectRemoved {
		e.tracker.Removed(projectID)
	} else {
		e.tracker.Succeeded(projectID, outcome.String(), tip)
	}
	e.metrics.RecordSync(ctx, outcome.String(), duration, true)

	logAttrs := []any{"project_id", projectID, "outcome", outcome.String(), "duration", duration}
	if tip != "" {
		logAttrs = append(logAttrs, "commit", tip)
	}
	if outcome == UpToDate {
		slog.DebugContext(ctx, "Sync completed", logAttrs...)
	} else {
		slog.InfoContext(ctx, "Sync completed", logAttrs...)
	}
	return outcome, nil
}

// fail builds the error of a failed sync. Its message names no directory
// below the git or projects roots.
func (e *engine) fail(projectID, reason string, err error) (Outcome, string, error) {
	return UpToDate, "", &SyncError{ProjectID: projectID, Reason: reason, Err: e.paths.Error(err)}
}

// sync runs one sync under the project lock and returns the outcome and the
// resulting branch tip.
func (e *engine) sync(ctx context.Context, projectID string) (Outcome, string, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	release, err := e.locks.acquire(lockCtx, projectID)
	cancel()
	if err != nil {
		return e.fail(projectID, ReasonLock, err)
	}
	defer release()

	mirrorPath := filepath.Join(e.cfg.GitRoot, projectID+".git")

	dir, err := e.sources.SourceDir(projectID)
	if errors.Is(err, projects.ErrNotFound) {
		if err := e.git.Remove(ctx, mirrorPath); err != nil {
			return e.fail(projectID, ReasonRemoveMirror, err)
		}
		return ProjectRemoved, "", nil
	}
	if err != nil {
		return e.fail(projectID, ReasonResolveSource, err)
	}

	repoInfo, err := e.openOrInit(ctx, projectID, mirrorPath)
	if err != nil {
		return e.fail(projectID, ReasonOpenMirror, err)
	}
	defer func() {
		if err := e.git.Cleanup(ctx, repoInfo); err != nil {
			slog.WarnContext(ctx, "Failed to close mirror", "project_id", projectID, "error", err)
		}
	}()

	prev, err := e.git.Tip(repoInfo)
	if err != nil {
		return e.fail(projectID, ReasonOpenMirror, err)
	}

	// Files written while the scan runs are retried a few times before the
	// sync gives up and leaves it to the next fetch.
	var tree *snapshot.Tree
	reason := ReasonScan
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		var err error
		reason = ReasonScan
		if tree, err = e.snapshot(ctx, dir); err != nil {
			return struct{}{}, retryIfChanged(err)
		}
		if prev != nil && prev.TreeHash == tree.Hash() {
			return struct{}{}, nil
		}
		reason = ReasonWriteObjects
		return struct{}{}, retryIfChanged(tree.Write(repoInfo.Storer()))
	}, backoff.WithBackOff(newRetryBackOff()), backoff.WithMaxTries(sourceChangedTries))
	if err != nil {
		return e.fail(projectID, reason, err)
	}

	if prev != nil && prev.TreeHash == tree.Hash() {
		return UpToDate, prev.Hash.String(), nil
	}

	now := e.now()
	commit := &git.CommitConfig{
		Tree: tree.Hash(),
		Signature: object.Signature{
			Name:  e.cfg.AuthorName,
			Email: e.cfg.AuthorEmail,
			When:  now,
		},
	}
	parent := plumbing.ZeroHash
	if prev == nil {
		commit.Message = fmt.Sprintf("Initial snapshot of project %s\n", projectID)
	} else {
		parent = prev.Hash
		commit.Parent = parent
		commit.Message = fmt.Sprintf("Sync %s of project %s\n", now.UTC().Format(time.RFC3339), projectID)
	}

	hash, err := e.git.Commit(repoInfo, commit)
	if err != nil {
		return e.fail(projectID, ReasonCommit, err)
	}
	if err := e.git.UpdateBranch(repoInfo, hash, parent); err != nil {
		return e.fail(projectID, ReasonUpdateBranch, err)
	}
	return Updated, hash.String(), nil
}

func retryIfChanged(err error) error {
	if err == nil || errors.Is(err, ErrSourceChanged) {
		return err
	}
	return backoff.Permanent(err)
}

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sourceChangedDelay
	b.MaxInterval = 10 * sourceChangedDelay
	return b
}

func (e *engine) snapshot(ctx context.Context, dir string) (*snapshot.Tree, error) {
	_, span := otel.StartSpan(ctx, e.tracer, "mirror.snapshot")
	defer span.End()

	entries, err := snapshot.Scan(osfs.New(dir), e.scanOptions)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrEntryCount.Int(len(entries)))

	tree, err := snapshot.Build(entries)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return tree, nil
}

// openOrInit opens the mirror, creating it when missing. Anything at the
// mirror path that is not a repository is replaced.
func (e *engine) openOrInit(ctx context.Context, projectID, path string) (*git.RepositoryInfo, error) {
	info, statErr := os.Lstat(path)
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return nil, statErr
	}
	if statErr == nil && info.IsDir() {
		repoInfo, err := e.git.Open(path, e.cfg.Branch)
		if err == nil {
			return repoInfo, nil
		}
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, err
		}
	}

	if statErr == nil {
		slog.WarnContext(ctx, "Replacing invalid mirror", "project_id", projectID, "mode", info.Mode().String())
	}
	if err := e.git.Remove(ctx, path); err != nil {
		return nil, err
	}
	return e.git.Init(ctx, &git.InitConfig{Path: path, Branch: e.cfg.Branch})
}
