package reconcile

import (
	"context"
	"time"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
)

type membershipTuple struct {
	groupIdPID string
	userIdPID  string
}

// syncMemberships walks the groups synced this run in chunks of at most
// GroupsPerMembershipChunk, streaming each group's members and batching the
// resulting (group_idp_id, user_idp_id) tuples into upserts of at most
// BatchSizeMemberships rows. Groups are streamed one at a time; a chunk
// boundary also flushes any pending partial batch.
func (e *Engine) syncMemberships(ctx context.Context, dir model.Directory, issuer string, adapter provider.Adapter, groupIdPIDs []string, syncedAt time.Time) (int, error) {
	var total int

	for _, chunk := range batchesOf(groupIdPIDs, e.GroupsPerMembershipChunk) {
		var batch []membershipTuple
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := e.upsertMembershipBatch(ctx, dir, issuer, batch, syncedAt)
			if err != nil {
				return err
			}
			total += n
			batch = batch[:0]
			return nil
		}

		for _, groupIdPID := range chunk {
			for memberID, err := range adapter.StreamGroupMembers(ctx, groupIdPID) {
				if err != nil {
					return total, classify.FromTransportErr(classify.StepStreamGroupMembers, dir.ID.String(), err)
				}
				batch = append(batch, membershipTuple{groupIdPID: groupIdPID, userIdPID: string(memberID)})
				if len(batch) >= e.BatchSizeMemberships {
					if err := flush(); err != nil {
						return total, err
					}
				}
			}
		}
		if err := flush(); err != nil {
			return total, err
		}
	}

	return total, nil
}

// upsertMembershipBatch resolves incoming (group_idp_id, user_idp_id) tuples
// against external_identities and groups scoped to this account/issuer and
// directory, dropping any tuple whose either side did not resolve (the user
// record failed validation earlier, or the group was filtered out of this
// run). last_synced_at advances via GREATEST so a duplicate tuple within the
// same run, or a rerun against an unchanged membership, is idempotent.
func (e *Engine) upsertMembershipBatch(ctx context.Context, dir model.Directory, issuer string, batch []membershipTuple, syncedAt time.Time) (int, error) {
	groupIdPIDs := make([]string, len(batch))
	userIdPIDs := make([]string, len(batch))
	for i, m := range batch {
		groupIdPIDs[i] = m.groupIdPID
		userIdPIDs[i] = m.userIdPID
	}

	tag, err := e.DB.Exec(ctx, upsertMembershipsSQL,
		dir.AccountID, issuer, dir.ID, groupIdPIDs, userIdPIDs, syncedAt)
	if err != nil {
		return 0, dbErr(classify.StepBatchUpsertMemberships, dir.ID.String(), err)
	}
	return int(tag.RowsAffected()), nil
}

// upsertMembershipsSQL: $1 account_id, $2 issuer, $3 directory_id, $4
// group_idp_id array, $5 user_idp_id array, $6 synced_at.
const upsertMembershipsSQL = `
WITH input_pairs AS (
    SELECT unnest($4::text[]) AS group_idp_id, unnest($5::text[]) AS user_idp_id
),
resolved AS (
    SELECT g.id AS group_id, i.actor_id AS actor_id
    FROM input_pairs p
    JOIN groups g ON g.account_id = $1 AND g.idp_id = p.group_idp_id AND g.directory_id = $3
    JOIN external_identities i ON i.account_id = $1 AND i.issuer = $2 AND i.idp_id = p.user_idp_id
)
INSERT INTO memberships (actor_id, group_id, account_id, last_synced_at)
SELECT DISTINCT actor_id, group_id, $1, $6 FROM resolved
ON CONFLICT (actor_id, group_id) DO UPDATE SET
    last_synced_at = GREATEST(COALESCE(memberships.last_synced_at, EXCLUDED.last_synced_at), EXCLUDED.last_synced_at)
`
