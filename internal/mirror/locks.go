package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/gitbridge/internal/redact"
)

const lockRetryDelay = 50 * time.Millisecond

// projectLocks serializes syncs of the same project. A one-slot channel per
// project orders goroutines; the file lock orders processes sharing a git root.
type projectLocks struct {
	dir string

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newProjectLocks(dir string) *projectLocks {
	return &projectLocks{dir: dir, slots: make(map[string]chan struct{})}
}

func (l *projectLocks) slot(projectID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[projectID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[projectID] = s
	}
	return s
}

// acquire blocks until the project is locked or ctx is done. The returned
// function releases both locks.
func (l *projectLocks) acquire(ctx context.Context, projectID string) (func(), error) {
	s := l.slot(projectID)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to lock project: %w", ctx.Err())
	}

	fl := flock.New(filepath.Join(l.dir, projectID+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		<-s
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock project file: %w", err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("Failed to release project lock", "project_id", projectID, "error", err)
		}
		<-s
	}, nil
}

// RemoveStale deletes temporary directories left in gitRoot by an interrupted
// mirror creation or removal. It must run before any sync starts.
func RemoveStale(ctx context.Context, gitRoot string) error {
	for _, pattern := range []string{".init-*", ".remove-*"} {
		matches, err := filepath.Glob(filepath.Join(gitRoot, pattern))
		if err != nil {
			return fmt.Errorf("failed to list stale directories: %w", err)
		}
		for _, path := range matches {
			name := filepath.Base(path)
			slog.InfoContext(ctx, "Removing stale temporary directory", "name", name)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name, redact.PathError(err))
			}
		}
	}
	return nil
}
