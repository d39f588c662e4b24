// Package syncrun holds the small set of types shared across the scheduler,
// worker, and reconciliation engine that don't belong to any one of them:
// a structured progress record and a record of the run-scoped (directory,
// access token, synced_at) triple of one reconciliation run.
//
// Progress is grounded on open-sspm's registry.Event{Source, Stage, Current,
// Total}, generalized from its per-integration reporter callback into a
// plain record that cmd/syncd writes to the logger — this engine has no
// external progress-reporter consumer, so it terminates at that one sink.
package syncrun

import (
	"time"

	"github.com/google/uuid"
)

// Progress is one structured progress observation emitted during a run.
type Progress struct {
	DirectoryID uuid.UUID
	Stage       string // e.g. "users", "groups", "memberships", "tombstone"
	Current     int
	Total       int
	Message     string
	Err         error
}

// Done reports whether this Progress observation represents the run's
// terminal event.
func (p Progress) Done() bool {
	return p.Stage == StageDone
}

const StageDone = "done"

// Context groups the run-scoped state of one run: which directory, what
// access token, and the single synced_at timestamp that becomes every row's
// high-water mark for this run. The worker and the reconciliation engine
// pass these values as separate arguments and do not use this type.
type Context struct {
	DirectoryID uuid.UUID
	AccessToken string
	SyncedAt    time.Time
}
