// Package mirror keeps one bare repository per project in step with the
// project's source directory.
//
// Every Sync either leaves the mirror untouched, appends exactly one commit
// whose tree is the current project content, or deletes the mirror when the
// project is gone. The branch only ever points at a complete commit.
package mirror

import (
	"context"
	"fmt"

	"github.com/stacklok/gitbridge/internal/snapshot"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks -source=engine.go Engine

// Engine synchronizes project mirrors.
type Engine interface {
	// Sync brings the mirror of projectID up to date with its source. It runs
	// to completion even if ctx is canceled, so a disconnecting client never
	// leaves a sync half done.
	Sync(ctx context.Context, projectID string) (Outcome, error)
}

// Outcome is the result of a successful sync
type Outcome int

const (
	// UpToDate means the mirror already matched the source; nothing was written
	UpToDate Outcome = iota
	// Updated means a new commit was appended to the branch
	Updated
	// ProjectRemoved means the source is gone and the mirror no longer exists
	ProjectRemoved
)

// String returns the outcome as used in logs, metrics and the admin API.
func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "up_to_date"
	case Updated:
		return "updated"
	case ProjectRemoved:
		return "project_removed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrSourceChanged is returned when a project file changes while it is being
// snapshotted. The next sync retries.
var ErrSourceChanged = snapshot.ErrSourceChanged

// Sync failure reasons
const (
	ReasonInvalidProject = "invalid_project"
	ReasonLock           = "lock"
	ReasonResolveSource  = "resolve_source"
	ReasonRemoveMirror   = "remove_mirror"
	ReasonOpenMirror     = "open_mirror"
	ReasonScan           = "scan"
	ReasonWriteObjects   = "write_objects"
	ReasonCommit         = "commit"
	ReasonUpdateBranch   = "update_branch"
)

// SyncError describes a failed sync. The mirror is left at its last valid tip.
type SyncError struct {
	ProjectID string
	Reason    string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync of project %s failed (%s): %v", e.ProjectID, e.Reason, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
