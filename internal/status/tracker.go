package status

import (
	"sort"
	"sync"
	"time"
)

// Tracker keeps sync observations in memory. Observations are informational
// only; sync decisions are always made from the mirror itself.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]*SyncStatus
	now      func() time.Time
}

// NewTracker creates an empty Tracker
func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]*SyncStatus),
		now:      time.Now,
	}
}

// Started records the beginning of a sync attempt.
func (t *Tracker) Started(projectID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(projectID)
	now := t.now()
	s.Phase = SyncPhaseSyncing
	s.LastAttempt = &now
}

// Succeeded records a successful sync with its outcome and resulting tip.
func (t *Tracker) Succeeded(projectID, outcome, commit string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(projectID)
	now := t.now()
	s.Phase = SyncPhaseComplete
	s.Outcome = outcome
	s.Message = ""
	s.AttemptCount = 0
	s.LastSyncTime = &now
	if commit != "" {
		s.LastCommit = commit
	}
}

// Removed records that the project's source and mirror are gone.
func (t *Tracker) Removed(projectID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(projectID)
	now := t.now()
	s.Phase = SyncPhaseRemoved
	s.Outcome = "project_removed"
	s.Message = ""
	s.AttemptCount = 0
	s.LastSyncTime = &now
	s.LastCommit = ""
}

// Failed records a failed sync attempt.
func (t *Tracker) Failed(projectID, message string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(projectID)
	s.Phase = SyncPhaseFailed
	s.Message = message
	s.AttemptCount++
}

// Get returns a copy of the status of one project.
func (t *Tracker) Get(projectID string) (SyncStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.statuses[projectID]
	if !ok {
		return SyncStatus{}, false
	}
	return *s, true
}

// ProjectStatus pairs a project id with its status.
type ProjectStatus struct {
	ProjectID string `json:"project_id"`
	SyncStatus
}

// List returns copies of all statuses ordered by project id.
func (t *Tracker) List() []ProjectStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ProjectStatus, 0, len(t.statuses))
	for id, s := range t.statuses {
		out = append(out, ProjectStatus{ProjectID: id, SyncStatus: *s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// get must be called with mu held for writing.
func (t *Tracker) get(projectID string) *SyncStatus {
	s, ok := t.statuses[projectID]
	if !ok {
		s = &SyncStatus{}
		t.statuses[projectID] = s
	}
	return s
}
