package reconcile

import (
	"context"
	"time"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
)

// checkDeletionThreshold guards Phase 5 against a misconfigured directory
// wiping out nearly all of its identities or groups in one run. It is
// skipped entirely on a directory's first sync, since every row is
// necessarily unsynced relative to a synced_at that never existed.
func (e *Engine) checkDeletionThreshold(ctx context.Context, dir model.Directory, hadPriorSync bool, syncedAt time.Time) error {
	if !hadPriorSync {
		return nil
	}

	for _, resource := range []string{"identities", "groups"} {
		total, toDelete, err := e.deletionCounts(ctx, dir, resource, syncedAt)
		if err != nil {
			return dbErr(classify.StepCheckDeletionThreshold, dir.ID.String(), err)
		}
		if total < e.DeletionThresholdMinRows {
			continue
		}
		ratio := float64(toDelete) / float64(total)
		if ratio >= e.DeletionThresholdRatio {
			return classify.DeletionThresholdExceeded(dir.ID.String(), resource, total, toDelete, e.DeletionThresholdRatio)
		}
	}
	return nil
}

func (e *Engine) deletionCounts(ctx context.Context, dir model.Directory, resource string, syncedAt time.Time) (total int, toDelete int, err error) {
	var query string
	switch resource {
	case "identities":
		query = `SELECT count(*), count(*) FILTER (WHERE last_synced_at IS NULL OR last_synced_at < $2)
		          FROM external_identities WHERE account_id = $1 AND directory_id = $3`
	case "groups":
		query = `SELECT count(*), count(*) FILTER (WHERE last_synced_at IS NULL OR last_synced_at < $2)
		          FROM groups WHERE account_id = $1 AND directory_id = $3`
	default:
		return 0, 0, nil
	}
	err = e.DB.QueryRow(ctx, query, dir.AccountID, syncedAt, dir.ID).Scan(&total, &toDelete)
	return total, toDelete, err
}
