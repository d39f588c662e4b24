// Package jobqueue is a minimal durable job queue backed by the sync_jobs
// table: one row per directory, a state column, and a lease_until that
// doubles as both the enqueue uniqueness window and the in-flight claim
// lease. Grounded on open-sspm's LockManager/withConnectorLock shape
// (Acquire, then run under the lock, then release) but collapsed onto a
// single table instead of a separate lock manager, since sync_jobs' own
// primary key already gives one row per directory.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type State string

const (
	StateScheduled State = "scheduled"
	StateAvailable State = "available"
	StateExecuting State = "executing"
)

// ErrDuplicate is returned by Enqueue when a job for the directory is
// already scheduled, available, or executing within the uniqueness window.
var ErrDuplicate = errors.New("jobqueue: job already queued for this directory")

// Queue is a durable job queue over the sync_jobs table.
type Queue struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Queue {
	return &Queue{DB: db}
}

// Enqueue submits a job for directoryID, available immediately, unique for
// window. A prior row still inside its own window is left untouched and
// ErrDuplicate is returned; a prior row whose window has already elapsed is
// reused and reset.
func (q *Queue) Enqueue(ctx context.Context, directoryID uuid.UUID, now time.Time, window time.Duration) error {
	tag, err := q.DB.Exec(ctx, `
		INSERT INTO sync_jobs (directory_id, state, lease_until, attempts)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (directory_id) DO UPDATE SET
			state       = EXCLUDED.state,
			lease_until = EXCLUDED.lease_until,
			attempts    = 0,
			updated_at  = now()
		WHERE sync_jobs.lease_until <= $4`,
		directoryID, string(StateAvailable), now.Add(window), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// Job is one claimed unit of work.
type Job struct {
	DirectoryID uuid.UUID
	Attempts    int
}

// Claim atomically picks up to limit available jobs and marks them
// executing with a fresh lease of leaseDuration. FOR UPDATE SKIP LOCKED lets
// multiple worker processes poll the same queue without contending on the
// same rows.
func (q *Queue) Claim(ctx context.Context, now time.Time, leaseDuration time.Duration, limit int) ([]Job, error) {
	rows, err := q.DB.Query(ctx, `
		UPDATE sync_jobs SET
			state       = $1,
			lease_until = $2,
			attempts    = sync_jobs.attempts + 1,
			updated_at  = now()
		WHERE directory_id IN (
			SELECT directory_id FROM sync_jobs
			WHERE state = $3
			ORDER BY updated_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING directory_id, attempts`,
		string(StateExecuting), now.Add(leaseDuration), string(StateAvailable), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.DirectoryID, &j.Attempts); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete removes a job's row entirely once the worker has finished with
// it, success or failure alike: max_attempts is 1, the scheduler — not this
// queue — drives retries on its next tick.
func (q *Queue) Complete(ctx context.Context, directoryID uuid.UUID) error {
	_, err := q.DB.Exec(ctx, `DELETE FROM sync_jobs WHERE directory_id = $1`, directoryID)
	return err
}
