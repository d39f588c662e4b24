package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
)

type userInput struct {
	idPID      string
	email      string
	name       string
	givenName  string
	familyName string
	preferred  string
}

// syncUsers drains stream_users in fixed-size batches and upserts each batch
// inside its own transaction, so a failure partway through a run never rolls
// back batches already committed.
func (e *Engine) syncUsers(ctx context.Context, dir model.Directory, issuer string, adapter provider.Adapter, syncedAt time.Time) (int, error) {
	var batch []userInput
	var total int

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := e.upsertUserBatch(ctx, dir, issuer, batch, syncedAt)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for rec, err := range adapter.StreamUsers(ctx) {
		if err != nil {
			if mfe, ok := err.(*provider.MissingFieldError); ok {
				return total, classify.ValidationFailure(classify.StepProcessUser, dir.ID.String(), mfe.Error())
			}
			return total, classify.FromTransportErr(classify.StepStreamUsers, dir.ID.String(), err)
		}
		batch = append(batch, userInput{
			idPID:      rec.IdPID,
			email:      strings.ToLower(strings.TrimSpace(rec.Email)),
			name:       rec.Name,
			givenName:  rec.GivenName,
			familyName: rec.FamilyName,
			preferred:  rec.PreferredUsername,
		})
		if len(batch) >= e.BatchSizeIdentities {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// emailGroupKey groups to-be-created actors within a single batch: records
// sharing a non-empty email collapse onto one new actor (the same rule that
// governs matching against pre-existing actors); a blank email never merges
// with another blank email.
func emailGroupKey(u userInput) string {
	if u.email != "" {
		return "email:" + u.email
	}
	return "idp:" + u.idPID
}

// upsertUserBatch resolves one batch of incoming user records to actor rows
// in three steps — reuse an actor already bound to this (account, issuer,
// idp_id); failing that, reuse an actor sharing the lowercased email
// (oldest actor wins a collision); failing that, create a new actor — then
// upserts external_identities in a single statement. The identities upsert
// carries the real uniqueness constraint and stays one insert-then-
// conditionally-update statement; actor resolution is plain Go plus small
// reads, since PostgreSQL's RETURNING cannot correlate inserted rows back
// to the source idp_id that produced each one.
func (e *Engine) upsertUserBatch(ctx context.Context, dir model.Directory, issuer string, batch []userInput, syncedAt time.Time) (int, error) {
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
	}
	defer tx.Rollback(ctx)

	idPIDs := make([]string, len(batch))
	for i, u := range batch {
		idPIDs[i] = u.idPID
	}

	actorByIdPID := make(map[string]uuid.UUID, len(batch))

	rows, err := tx.Query(ctx,
		`SELECT idp_id, actor_id FROM external_identities WHERE account_id = $1 AND issuer = $2 AND idp_id = ANY($3::text[])`,
		dir.AccountID, issuer, idPIDs)
	if err != nil {
		return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
	}
	for rows.Next() {
		var idPID string
		var actorID uuid.UUID
		if err := rows.Scan(&idPID, &actorID); err != nil {
			rows.Close()
			return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
		}
		actorByIdPID[idPID] = actorID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
	}

	candidateEmails := uniqueNonEmptyEmails(batch, actorByIdPID)
	if len(candidateEmails) > 0 {
		rows, err := tx.Query(ctx,
			`SELECT DISTINCT ON (lower(email)) lower(email), id
			 FROM actors
			 WHERE account_id = $1 AND lower(email) = ANY($2::text[])
			 ORDER BY lower(email), inserted_at ASC`,
			dir.AccountID, candidateEmails)
		if err != nil {
			return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
		}
		emailToActor := make(map[string]uuid.UUID, len(candidateEmails))
		for rows.Next() {
			var email string
			var actorID uuid.UUID
			if err := rows.Scan(&email, &actorID); err != nil {
				rows.Close()
				return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
			}
			emailToActor[email] = actorID
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
		}
		for _, u := range batch {
			if _, ok := actorByIdPID[u.idPID]; ok {
				continue
			}
			if id, ok := emailToActor[u.email]; ok {
				actorByIdPID[u.idPID] = id
			}
		}
	}

	var toCreate []userInput
	seenGroup := make(map[string]bool)
	for _, u := range batch {
		if _, ok := actorByIdPID[u.idPID]; ok {
			continue
		}
		k := emailGroupKey(u)
		if seenGroup[k] {
			continue
		}
		seenGroup[k] = true
		toCreate = append(toCreate, u)
	}

	if len(toCreate) > 0 {
		b := &pgx.Batch{}
		for _, u := range toCreate {
			b.Queue(
				`INSERT INTO actors (account_id, type, name, email, created_by_directory_id, inserted_at, updated_at)
				 VALUES ($1, 'user', $2, NULLIF($3, ''), $4, $5, $5) RETURNING id`,
				dir.AccountID, u.name, u.email, dir.ID, syncedAt)
		}
		br := tx.SendBatch(ctx, b)
		groupActor := make(map[string]uuid.UUID, len(toCreate))
		for _, u := range toCreate {
			var id uuid.UUID
			if err := br.QueryRow().Scan(&id); err != nil {
				br.Close()
				return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
			}
			groupActor[emailGroupKey(u)] = id
		}
		if err := br.Close(); err != nil {
			return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
		}
		for _, u := range batch {
			if _, ok := actorByIdPID[u.idPID]; ok {
				continue
			}
			actorByIdPID[u.idPID] = groupActor[emailGroupKey(u)]
		}
	}

	actorIDs := make([]uuid.UUID, len(batch))
	emails := make([]string, len(batch))
	names := make([]string, len(batch))
	givenNames := make([]string, len(batch))
	familyNames := make([]string, len(batch))
	preferredNames := make([]string, len(batch))
	for i, u := range batch {
		actorIDs[i] = actorByIdPID[u.idPID]
		emails[i] = u.email
		names[i] = u.name
		givenNames[i] = u.givenName
		familyNames[i] = u.familyName
		preferredNames[i] = u.preferred
	}

	tag, err := tx.Exec(ctx, upsertIdentitiesSQL,
		dir.AccountID, issuer, dir.ID, idPIDs, actorIDs, emails, names, givenNames, familyNames, preferredNames, syncedAt)
	if err != nil {
		return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, dbErr(classify.StepBatchUpsertIdentities, dir.ID.String(), err)
	}
	return int(tag.RowsAffected()), nil
}

func uniqueNonEmptyEmails(batch []userInput, alreadyResolved map[string]uuid.UUID) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range batch {
		if u.email == "" {
			continue
		}
		if _, ok := alreadyResolved[u.idPID]; ok {
			continue
		}
		if seen[u.email] {
			continue
		}
		seen[u.email] = true
		out = append(out, u.email)
	}
	return out
}

// upsertIdentitiesSQL upserts one batch of external_identities rows given
// parallel arrays: $4 idp_id, $5 actor_id, $6 email, $7 name, $8 given_name,
// $9 family_name, $10 preferred_username, $11 synced_at; $1 account_id, $2
// issuer, $3 directory_id. last_synced_at only moves forward, guarding
// Phase 4's deletion-ratio arithmetic against a stale write clobbering a
// fresher one.
const upsertIdentitiesSQL = `
INSERT INTO external_identities (
    account_id, actor_id, issuer, directory_id, idp_id,
    email, name, given_name, family_name, preferred_username, last_synced_at
)
SELECT $1, actor_id, $2, $3, idp_id, email, name, given_name, family_name, preferred_username, $11
FROM unnest($4::text[], $5::uuid[], $6::text[], $7::text[], $8::text[], $9::text[], $10::text[])
    AS t(idp_id, actor_id, email, name, given_name, family_name, preferred_username)
ON CONFLICT (account_id, issuer, idp_id) DO UPDATE SET
    actor_id           = EXCLUDED.actor_id,
    email              = EXCLUDED.email,
    name               = EXCLUDED.name,
    given_name         = EXCLUDED.given_name,
    family_name        = EXCLUDED.family_name,
    preferred_username = EXCLUDED.preferred_username,
    directory_id       = EXCLUDED.directory_id,
    last_synced_at     = EXCLUDED.last_synced_at,
    updated_at         = now()
WHERE external_identities.last_synced_at IS NULL
   OR external_identities.last_synced_at < EXCLUDED.last_synced_at
`
