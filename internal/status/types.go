// Package status tracks the most recent sync observation per project.
package status

import "time"

// SyncPhase represents the current phase of a synchronization operation
type SyncPhase string

const (
	// SyncPhaseSyncing means sync is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last sync succeeded
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last sync failed; the next fetch retries it
	SyncPhaseFailed SyncPhase = "Failed"

	// SyncPhaseRemoved means the project source disappeared and its mirror was deleted
	SyncPhaseRemoved SyncPhase = "Removed"
)

// SyncStatus represents the last known synchronization state of one project
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase"`

	// Outcome is the result of the last finished sync (up_to_date, updated, project_removed)
	Outcome string `json:"outcome,omitempty"`

	// Message provides additional information about a failure
	Message string `json:"message,omitempty"`

	// LastAttempt is the timestamp of the last sync attempt
	LastAttempt *time.Time `json:"last_attempt,omitempty"`

	// AttemptCount is the number of failed attempts since the last success
	AttemptCount int `json:"attempt_count"`

	// LastSyncTime is the timestamp of the last successful sync
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`

	// LastCommit is the branch tip after the last successful sync
	LastCommit string `json:"last_commit,omitempty"`
}
