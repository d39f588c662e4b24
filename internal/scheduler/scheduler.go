// Package scheduler periodically streams every directory eligible for a
// sync and enqueues one job per directory onto the durable queue. It never
// runs a sync itself — that is the worker pool's job — and it never retries
// a failed run directly; a directory that failed simply becomes eligible
// again on the next tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/firezone/idpsync/internal/jobqueue"
)

// Scheduler drives periodic directory-eligibility scans using robfig/cron's
// "@every" descriptor for interval-based tick scheduling.
type Scheduler struct {
	DB       *pgxpool.Pool
	Queue    *jobqueue.Queue
	Interval time.Duration
	Window   time.Duration

	cron *cron.Cron
}

func New(db *pgxpool.Pool, queue *jobqueue.Queue, interval, window time.Duration) *Scheduler {
	return &Scheduler{DB: db, Queue: queue, Interval: interval, Window: window}
}

// Start registers the periodic tick and blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.Interval), func() {
		if err := s.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler: tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: register tick: %w", err)
	}

	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Tick scans for eligible directories and enqueues each one. A directory
// that already has a live job within the uniqueness window is skipped
// silently — jobqueue.ErrDuplicate is the expected, common case on every
// tick after the first.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()
	rows, err := s.DB.Query(ctx, `
		SELECT d.id FROM directories d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.is_disabled = false
		  AND a.disabled_at IS NULL
		  AND COALESCE((a.features->>'idp_sync')::boolean, false) = true`)
	if err != nil {
		return fmt.Errorf("scheduler: scan eligible directories: %w", err)
	}

	var eligible []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scheduler: scan row: %w", err)
		}
		eligible = append(eligible, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scheduler: scan eligible directories: %w", err)
	}

	var enqueued, skipped int
	for _, id := range eligible {
		switch err := s.Queue.Enqueue(ctx, id, now, s.Window); {
		case err == nil:
			enqueued++
		case err == jobqueue.ErrDuplicate:
			skipped++
		default:
			log.Error().Err(err).Str("directory_id", id.String()).Msg("scheduler: enqueue failed")
		}
	}

	log.Info().Int("eligible", len(eligible)).Int("enqueued", enqueued).Int("skipped", skipped).Msg("scheduler: tick complete")
	return nil
}
