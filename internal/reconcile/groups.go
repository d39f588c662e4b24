package reconcile

import (
	"context"
	"time"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
)

// syncGroups drains stream_groups and stream_org_units in fixed-size
// batches, upserting each as a group row distinguished only by entity_type.
// It returns the idp_id of every group successfully synced this run, so
// Phase 3 knows which groups to fan out membership resolution across.
func (e *Engine) syncGroups(ctx context.Context, dir model.Directory, adapter provider.Adapter, syncedAt time.Time) ([]string, int, error) {
	var idPIDs []string
	var total int

	n, ids, err := e.syncGroupLike(ctx, dir, adapter.StreamGroups(ctx), model.GroupEntityGroup, syncedAt)
	if err != nil {
		return nil, total, err
	}
	total += n
	idPIDs = append(idPIDs, ids...)

	n, ids, err = e.syncGroupLike(ctx, dir, adapter.StreamOrgUnits(ctx), model.GroupEntityOrgUnit, syncedAt)
	if err != nil {
		return nil, total, err
	}
	total += n
	idPIDs = append(idPIDs, ids...)

	return idPIDs, total, nil
}

func (e *Engine) syncGroupLike(ctx context.Context, dir model.Directory, seq func(func(provider.GroupRecord, error) bool), entityType model.GroupEntityType, syncedAt time.Time) (int, []string, error) {
	var batch []provider.GroupRecord
	var total int
	var idPIDs []string

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := e.upsertGroupBatch(ctx, dir, batch, entityType, syncedAt)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for rec, err := range seq {
		if err != nil {
			if mfe, ok := err.(*provider.MissingFieldError); ok {
				return total, idPIDs, classify.ValidationFailure(classify.StepProcessGroup, dir.ID.String(), mfe.Error())
			}
			return total, idPIDs, classify.FromTransportErr(classify.StepStreamGroups, dir.ID.String(), err)
		}
		idPIDs = append(idPIDs, rec.IdPID)
		batch = append(batch, rec)
		if len(batch) >= e.BatchSizeIdentities {
			if err := flush(); err != nil {
				return total, idPIDs, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, idPIDs, err
	}
	return total, idPIDs, nil
}

func (e *Engine) upsertGroupBatch(ctx context.Context, dir model.Directory, batch []provider.GroupRecord, entityType model.GroupEntityType, syncedAt time.Time) (int, error) {
	idPIDs := make([]string, len(batch))
	names := make([]string, len(batch))
	for i, g := range batch {
		idPIDs[i] = g.IdPID
		names[i] = g.Name
	}

	tag, err := e.DB.Exec(ctx, upsertGroupsSQL, dir.AccountID, dir.ID, idPIDs, names, string(entityType), syncedAt)
	if err != nil {
		return 0, dbErr(classify.StepBatchUpsertGroups, dir.ID.String(), err)
	}
	return int(tag.RowsAffected()), nil
}

// upsertGroupsSQL upserts one batch of groups keyed on (account_id, idp_id).
// $1 account_id, $2 directory_id, $3 idp_id array, $4 name array, $5
// entity_type, $6 synced_at.
const upsertGroupsSQL = `
INSERT INTO groups (account_id, directory_id, idp_id, entity_type, name, kind, last_synced_at)
SELECT $1, $2, idp_id, $5, name, 'static', $6
FROM unnest($3::text[], $4::text[]) AS t(idp_id, name)
ON CONFLICT (account_id, idp_id) WHERE idp_id IS NOT NULL DO UPDATE SET
    name           = EXCLUDED.name,
    directory_id   = EXCLUDED.directory_id,
    last_synced_at = EXCLUDED.last_synced_at,
    updated_at     = now()
WHERE groups.last_synced_at IS NULL
   OR groups.last_synced_at < EXCLUDED.last_synced_at
`
