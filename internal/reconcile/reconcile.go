// Package reconcile consumes the uniform lazy record sequence a provider
// adapter produces and reconciles it against the local actors/identities/
// groups/memberships schema: batched upserts, a pre-delete circuit breaker,
// ordered tombstoning, and directory finalization.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
	"github.com/firezone/idpsync/internal/syncrun"
)

// Engine owns one directory's reconciliation run. It holds no per-run state
// itself; Run takes everything it needs as arguments so one Engine is safe
// to reuse across directories and across concurrent workers.
type Engine struct {
	DB *pgxpool.Pool

	BatchSizeIdentities      int
	BatchSizeMemberships     int
	GroupsPerMembershipChunk int
	DeletionThresholdRatio   float64
	DeletionThresholdMinRows int

	// OnProgress, if set, is called after the users, groups, memberships and
	// tombstone phases complete, and once more when the run finishes. It is
	// optional — a nil value means no caller wants run progress reported
	// beyond the zerolog lines already emitted for each phase.
	OnProgress func(syncrun.Progress)
}

// New builds an Engine with reasonable defaults. Callers running under
// internal/config should override the batch/threshold fields from the
// loaded Config instead of relying on these.
func New(db *pgxpool.Pool) *Engine {
	return &Engine{
		DB:                       db,
		BatchSizeIdentities:      100,
		BatchSizeMemberships:     100,
		GroupsPerMembershipChunk: 50,
		DeletionThresholdRatio:   0.90,
		DeletionThresholdMinRows: 10,
	}
}

// Result summarizes one committed run for metrics and logging.
type Result struct {
	SyncedAt           time.Time
	IdentitiesUpserted int
	GroupsUpserted     int
	MembershipsUpserted int
	GroupsDeleted      int
	IdentitiesDeleted  int
	MembershipsDeleted int
	ActorsDeleted      int
}

// Run executes the full six-phase reconciliation for one directory against
// one already-authenticated provider adapter. synced_at is captured once by
// the caller and used as the uniform high-water mark for every row this run
// writes; Run passes the same timestamp into Phase 4's circuit-breaker check
// as the run's "now".
func (e *Engine) Run(ctx context.Context, dir model.Directory, adapter provider.Adapter, syncedAt time.Time) (Result, error) {
	issuer := dir.Issuer()
	logger := log.With().Str("directory_id", dir.ID.String()).Str("provider", string(dir.Provider)).Logger()

	var result Result
	result.SyncedAt = syncedAt

	n, err := e.syncUsers(ctx, dir, issuer, adapter, syncedAt)
	if err != nil {
		return result, err
	}
	result.IdentitiesUpserted = n
	logger.Info().Int("upserted", n).Msg("reconcile: users phase complete")
	e.progress(dir.ID, "users", n, n, "")

	groupIdPIDs, n, err := e.syncGroups(ctx, dir, adapter, syncedAt)
	if err != nil {
		return result, err
	}
	result.GroupsUpserted = n
	logger.Info().Int("upserted", n).Int("groups", len(groupIdPIDs)).Msg("reconcile: groups phase complete")
	e.progress(dir.ID, "groups", n, n, "")

	n, err = e.syncMemberships(ctx, dir, issuer, adapter, groupIdPIDs, syncedAt)
	if err != nil {
		return result, err
	}
	result.MembershipsUpserted = n
	logger.Info().Int("upserted", n).Msg("reconcile: memberships phase complete")
	e.progress(dir.ID, "memberships", n, n, "")

	hadPriorSync := dir.SyncedAt != nil
	if err := e.checkDeletionThreshold(ctx, dir, hadPriorSync, syncedAt); err != nil {
		return result, err
	}

	groupsDeleted, identitiesDeleted, membershipsDeleted, actorsDeleted, err := e.tombstone(ctx, dir, syncedAt)
	if err != nil {
		return result, err
	}
	result.GroupsDeleted = groupsDeleted
	result.IdentitiesDeleted = identitiesDeleted
	result.MembershipsDeleted = membershipsDeleted
	result.ActorsDeleted = actorsDeleted
	logger.Info().
		Int("groups_deleted", groupsDeleted).
		Int("identities_deleted", identitiesDeleted).
		Int("memberships_deleted", membershipsDeleted).
		Int("actors_deleted", actorsDeleted).
		Msg("reconcile: tombstone phase complete")
	e.progress(dir.ID, "tombstone", groupsDeleted+identitiesDeleted+membershipsDeleted+actorsDeleted, 0, "")

	if err := e.finalize(ctx, dir, syncedAt); err != nil {
		return result, err
	}
	e.progress(dir.ID, syncrun.StageDone, 0, 0, "")

	return result, nil
}

func (e *Engine) progress(directoryID uuid.UUID, stage string, current, total int, message string) {
	if e.OnProgress == nil {
		return
	}
	e.OnProgress(syncrun.Progress{DirectoryID: directoryID, Stage: stage, Current: current, Total: total, Message: message})
}

// batchesOf splits recs into consecutive slices of at most size n (n <= 0
// means a single batch).
func batchesOf[T any](recs []T, n int) [][]T {
	if n <= 0 || len(recs) <= n {
		if len(recs) == 0 {
			return nil
		}
		return [][]T{recs}
	}
	var out [][]T
	for len(recs) > 0 {
		end := n
		if end > len(recs) {
			end = len(recs)
		}
		out = append(out, recs[:end])
		recs = recs[end:]
	}
	return out
}

func dbErr(step classify.Step, directoryID string, err error) error {
	return classify.FromDBErr(step, directoryID, err)
}
