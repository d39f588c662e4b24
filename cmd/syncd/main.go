package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firezone/idpsync/internal/config"
	"github.com/firezone/idpsync/internal/dbx"
	"github.com/firezone/idpsync/internal/directorystate"
	"github.com/firezone/idpsync/internal/directoryrepo"
	"github.com/firezone/idpsync/internal/httpclient"
	"github.com/firezone/idpsync/internal/jobqueue"
	"github.com/firezone/idpsync/internal/metrics"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/opsapi"
	"github.com/firezone/idpsync/internal/provider"
	"github.com/firezone/idpsync/internal/provider/entra"
	"github.com/firezone/idpsync/internal/provider/google"
	"github.com/firezone/idpsync/internal/provider/okta"
	"github.com/firezone/idpsync/internal/reconcile"
	"github.com/firezone/idpsync/internal/scheduler"
	"github.com/firezone/idpsync/internal/syncrun"
	"github.com/firezone/idpsync/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "idpsync").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pool, err := dbx.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	repo := directoryrepo.New(pool)
	states := directorystate.New(pool)
	states.PromotionWindow = cfg.DeletionThresholdTransientToFatal
	queue := jobqueue.New(pool)

	engine := reconcile.New(pool)
	engine.BatchSizeIdentities = cfg.BatchSizeIdentities
	engine.BatchSizeMemberships = cfg.BatchSizeMemberships
	engine.GroupsPerMembershipChunk = cfg.GroupsPerMembershipChunk
	engine.DeletionThresholdRatio = cfg.DeletionThresholdRatio
	engine.DeletionThresholdMinRows = cfg.DeletionThresholdMinRows
	engine.OnProgress = func(p syncrun.Progress) {
		log.Debug().
			Str("directory_id", p.DirectoryID.String()).
			Str("stage", p.Stage).
			Int("current", p.Current).
			Int("total", p.Total).
			Msg("reconcile: progress")
	}

	httpClient := httpclient.New(cfg.HTTPPerRequestTimeout, cfg.HTTPMaxConcurrentPerHost)

	workerPool := worker.New(pool, queue, states, engine, repo.Load, newAdapterFactory(httpClient))
	workerPool.Concurrency = cfg.WorkersConcurrency
	workerPool.LeaseDuration = cfg.JobWallClockTimeout

	sched := scheduler.New(pool, queue, cfg.SchedulerPeriod, cfg.JobUniquenessWindow)

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	ops := opsapi.New(pool)
	httpServer := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      ops.Routes(reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)

	go func() {
		log.Info().Dur("interval", cfg.SchedulerPeriod).Msg("starting scheduler")
		if err := sched.Start(runCtx); err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	go func() {
		log.Info().Int("concurrency", cfg.WorkersConcurrency).Msg("starting worker pool")
		if err := workerPool.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("worker pool stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.OpsAddr).Msg("starting ops server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ops server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown error")
	}

	log.Info().Msg("idpsync stopped")
}

// newAdapterFactory returns a worker.AdapterFactory that builds the
// provider-specific adapter matching a directory's configured provider,
// sharing one rate-limited HTTP transport across every adapter it creates.
func newAdapterFactory(httpClient *httpclient.Client) worker.AdapterFactory {
	return func(dir model.Directory) (provider.Adapter, error) {
		switch dir.Provider {
		case model.ProviderGoogle:
			if dir.Google == nil {
				return nil, fmt.Errorf("directory %s: missing google config", dir.ID)
			}
			return google.New(*dir.Google, httpClient)
		case model.ProviderEntra:
			if dir.Entra == nil {
				return nil, fmt.Errorf("directory %s: missing entra config", dir.ID)
			}
			return entra.New(*dir.Entra, httpClient), nil
		case model.ProviderOkta:
			if dir.Okta == nil {
				return nil, fmt.Errorf("directory %s: missing okta config", dir.ID)
			}
			return okta.New(*dir.Okta, httpClient)
		default:
			return nil, fmt.Errorf("directory %s: unknown provider %q", dir.ID, dir.Provider)
		}
	}
}
