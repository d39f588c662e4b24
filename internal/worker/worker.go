// Package worker runs a bounded pool of goroutines that claim jobs from the
// queue, re-check directory eligibility, and drive one reconciliation run
// apiece, using golang.org/x/sync/errgroup the same way internal/httpclient
// already uses golang.org/x/sync/semaphore for bounded concurrency.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/directorystate"
	"github.com/firezone/idpsync/internal/jobqueue"
	"github.com/firezone/idpsync/internal/metrics"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
	"github.com/firezone/idpsync/internal/reconcile"
)

// AdapterFactory builds a provider.Adapter for one directory. Constructing
// the adapter is provider-specific (it needs the directory's Google/Entra/
// Okta config), so the worker takes this as an injected dependency rather
// than importing all three provider packages itself.
type AdapterFactory func(dir model.Directory) (provider.Adapter, error)

// DirectoryLoader re-fetches one directory and its owning account, used by
// the worker to re-check eligibility at claim time.
type DirectoryLoader func(ctx context.Context, directoryID uuid.UUID) (model.Directory, model.Account, error)

// Pool runs claimed jobs with bounded concurrency.
type Pool struct {
	Queue         *jobqueue.Queue
	States        *directorystate.Store
	Engine        *reconcile.Engine
	LoadDirectory DirectoryLoader
	NewAdapter    AdapterFactory

	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

func New(db *pgxpool.Pool, queue *jobqueue.Queue, states *directorystate.Store, engine *reconcile.Engine, loader DirectoryLoader, factory AdapterFactory) *Pool {
	return &Pool{
		Queue:         queue,
		States:        states,
		Engine:        engine,
		LoadDirectory: loader,
		NewAdapter:    factory,
		Concurrency:   10,
		PollInterval:  5 * time.Second,
		LeaseDuration: 30 * time.Minute,
	}
}

// Run polls the queue until ctx is canceled, processing claimed jobs with at
// most Concurrency running at once.
func (p *Pool) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case <-ticker.C:
			jobs, err := p.Queue.Claim(gCtx, time.Now(), p.LeaseDuration, p.Concurrency)
			if err != nil {
				log.Error().Err(err).Msg("worker: claim failed")
				continue
			}
			for _, job := range jobs {
				job := job
				g.Go(func() error {
					p.process(gCtx, job)
					return nil
				})
			}
		}
	}
}

// process handles exactly one claimed job: re-check eligibility, run the
// reconciliation engine, classify any failure, and apply the resulting
// directory state transition. A job is always completed (its sync_jobs row
// removed) whether it succeeds, fails, or is skipped as ineligible —
// max_attempts is 1, the scheduler drives retries on its next tick.
func (p *Pool) process(ctx context.Context, job jobqueue.Job) {
	defer func() {
		if err := p.Queue.Complete(ctx, job.DirectoryID); err != nil {
			log.Error().Err(err).Str("directory_id", job.DirectoryID.String()).Msg("worker: complete failed")
		}
	}()

	dir, acct, err := p.LoadDirectory(ctx, job.DirectoryID)
	if err != nil {
		log.Error().Err(err).Str("directory_id", job.DirectoryID.String()).Msg("worker: load directory failed")
		return
	}

	if !dir.Eligible(acct) {
		log.Info().Str("directory_id", job.DirectoryID.String()).Msg("worker: directory no longer eligible, skipping")
		return
	}

	adapter, err := p.NewAdapter(dir)
	if err != nil {
		failure := classify.FromDBErr(classify.StepGetAccessToken, dir.ID.String(), err)
		p.applyOutcome(ctx, dir, &failure)
		return
	}

	started := time.Now()
	syncedAt := started
	result, runErr := p.Engine.Run(ctx, dir, adapter, syncedAt)
	duration := time.Since(started).Seconds()
	providerLabel := string(dir.Provider)

	if runErr == nil {
		metrics.RunDuration.WithLabelValues(providerLabel, "success").Observe(duration)
		metrics.RowsWritten.WithLabelValues(providerLabel, "identities").Add(float64(result.IdentitiesUpserted))
		metrics.RowsWritten.WithLabelValues(providerLabel, "groups").Add(float64(result.GroupsUpserted))
		metrics.RowsWritten.WithLabelValues(providerLabel, "memberships").Add(float64(result.MembershipsUpserted))
		metrics.RowsDeleted.WithLabelValues(providerLabel, "identities").Add(float64(result.IdentitiesDeleted))
		metrics.RowsDeleted.WithLabelValues(providerLabel, "groups").Add(float64(result.GroupsDeleted))
		metrics.RowsDeleted.WithLabelValues(providerLabel, "memberships").Add(float64(result.MembershipsDeleted))
		p.applyOutcome(ctx, dir, nil)
		return
	}

	failure, ok := runErr.(classify.Failure)
	if !ok {
		failure = classify.FromDBErr(classify.StepProcessGroup, dir.ID.String(), runErr)
	}

	verdict := string(classify.Classify(failure))
	metrics.RunDuration.WithLabelValues(providerLabel, verdict).Observe(duration)
	if failure.Kind == classify.KindDeletionThresholdExceed {
		metrics.CircuitBreakerTrips.WithLabelValues(providerLabel, failure.Resource).Inc()
	}
	p.applyOutcome(ctx, dir, &failure)
}

func (p *Pool) applyOutcome(ctx context.Context, dir model.Directory, failure *classify.Failure) {
	if err := p.States.Apply(ctx, dir, time.Now(), failure); err != nil {
		log.Error().Err(err).Str("directory_id", dir.ID.String()).Msg("worker: apply directory state failed")
		return
	}
	if failure != nil && classify.Classify(*failure) == classify.VerdictClientError {
		metrics.DirectoriesDisabled.WithLabelValues(string(dir.Provider), string(failure.Kind)).Inc()
	}
}
