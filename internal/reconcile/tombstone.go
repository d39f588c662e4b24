package reconcile

import (
	"context"
	"time"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
)

// tombstone deletes everything this run did not touch, in the fixed order
// groups, identities, memberships, orphaned actors. Groups first means a
// group the provider stopped reporting takes its memberships with it via
// the foreign key cascade; the explicit membership delete that follows
// catches the remaining case — a membership row gone stale inside a group
// that is still current, meaning the actor was removed from that group.
func (e *Engine) tombstone(ctx context.Context, dir model.Directory, syncedAt time.Time) (groupsDeleted, identitiesDeleted, membershipsDeleted, actorsDeleted int, err error) {
	step := classify.StepTombstone

	tag, err := e.DB.Exec(ctx,
		`DELETE FROM groups WHERE account_id = $1 AND directory_id = $2 AND (last_synced_at IS NULL OR last_synced_at < $3)`,
		dir.AccountID, dir.ID, syncedAt)
	if err != nil {
		return 0, 0, 0, 0, dbErr(step, dir.ID.String(), err)
	}
	groupsDeleted = int(tag.RowsAffected())

	tag, err = e.DB.Exec(ctx,
		`DELETE FROM external_identities WHERE account_id = $1 AND directory_id = $2 AND (last_synced_at IS NULL OR last_synced_at < $3)`,
		dir.AccountID, dir.ID, syncedAt)
	if err != nil {
		return groupsDeleted, 0, 0, 0, dbErr(step, dir.ID.String(), err)
	}
	identitiesDeleted = int(tag.RowsAffected())

	tag, err = e.DB.Exec(ctx,
		`DELETE FROM memberships m USING groups g
		 WHERE m.group_id = g.id AND g.account_id = $1 AND g.directory_id = $2
		   AND (m.last_synced_at IS NULL OR m.last_synced_at < $3)`,
		dir.AccountID, dir.ID, syncedAt)
	if err != nil {
		return groupsDeleted, identitiesDeleted, 0, 0, dbErr(step, dir.ID.String(), err)
	}
	membershipsDeleted = int(tag.RowsAffected())

	tag, err = e.DB.Exec(ctx,
		`DELETE FROM actors a
		 WHERE a.created_by_directory_id = $1
		   AND NOT EXISTS (SELECT 1 FROM external_identities i WHERE i.actor_id = a.id)`,
		dir.ID)
	if err != nil {
		return groupsDeleted, identitiesDeleted, membershipsDeleted, 0, dbErr(step, dir.ID.String(), err)
	}
	actorsDeleted = int(tag.RowsAffected())

	return groupsDeleted, identitiesDeleted, membershipsDeleted, actorsDeleted, nil
}
