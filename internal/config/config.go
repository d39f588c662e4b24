// Package config loads the sync engine's environment-variable configuration,
// following the same env(key, default)-with-fatal-on-missing idiom the
// teacher service uses in cmd/server/main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the sync engine exposes, plus the database
// and ops-surface settings needed to run it as a standalone binary.
type Config struct {
	DatabaseURL string
	Env         string // "dev" enables pretty console logging
	OpsAddr     string // health/metrics listen address

	SchedulerPeriod                    time.Duration
	JobWallClockTimeout                time.Duration
	DeletionThresholdRatio             float64
	DeletionThresholdMinRows           int
	DeletionThresholdTransientToFatal  time.Duration
	BatchSizeIdentities                int
	BatchSizeMemberships               int
	GroupsPerMembershipChunk           int
	HTTPMaxConcurrentPerHost           int
	HTTPPerRequestTimeout              time.Duration
	WorkersConcurrency                 int
	JobUniquenessWindow                time.Duration
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		Env:     "",
		OpsAddr: ":9090",

		SchedulerPeriod:                   600 * time.Second,
		JobWallClockTimeout:               1800 * time.Second,
		DeletionThresholdRatio:            0.90,
		DeletionThresholdMinRows:          10,
		DeletionThresholdTransientToFatal: 24 * time.Hour,
		BatchSizeIdentities:               100,
		BatchSizeMemberships:              100,
		GroupsPerMembershipChunk:          50,
		HTTPMaxConcurrentPerHost:          8,
		HTTPPerRequestTimeout:             60 * time.Second,
		WorkersConcurrency:                10,
		JobUniquenessWindow:               10 * time.Minute,
	}
}

// Load builds a Config from the process environment, applying defaults for
// everything not explicitly set. DATABASE_URL is the only required variable.
func Load() (Config, error) {
	cfg := Default()

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.Env = env("ENV", cfg.Env)
	cfg.OpsAddr = env("OPS_ADDR", cfg.OpsAddr)

	var err error
	if cfg.SchedulerPeriod, err = envDuration("SYNC_SCHEDULER_PERIOD", cfg.SchedulerPeriod); err != nil {
		return Config{}, err
	}
	if cfg.JobWallClockTimeout, err = envDuration("SYNC_JOB_WALL_CLOCK_TIMEOUT", cfg.JobWallClockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DeletionThresholdRatio, err = envFloat("DELETION_THRESHOLD_RATIO", cfg.DeletionThresholdRatio); err != nil {
		return Config{}, err
	}
	if cfg.DeletionThresholdMinRows, err = envInt("DELETION_THRESHOLD_MIN_ROWS", cfg.DeletionThresholdMinRows); err != nil {
		return Config{}, err
	}
	if cfg.DeletionThresholdTransientToFatal, err = envDuration("DELETION_THRESHOLD_TRANSIENT_TO_FATAL", cfg.DeletionThresholdTransientToFatal); err != nil {
		return Config{}, err
	}
	if cfg.BatchSizeIdentities, err = envInt("BATCH_SIZE_IDENTITIES", cfg.BatchSizeIdentities); err != nil {
		return Config{}, err
	}
	if cfg.BatchSizeMemberships, err = envInt("BATCH_SIZE_MEMBERSHIPS", cfg.BatchSizeMemberships); err != nil {
		return Config{}, err
	}
	if cfg.GroupsPerMembershipChunk, err = envInt("GROUPS_PER_MEMBERSHIP_CHUNK", cfg.GroupsPerMembershipChunk); err != nil {
		return Config{}, err
	}
	if cfg.HTTPMaxConcurrentPerHost, err = envInt("HTTP_MAX_CONCURRENT_PER_HOST", cfg.HTTPMaxConcurrentPerHost); err != nil {
		return Config{}, err
	}
	if cfg.HTTPPerRequestTimeout, err = envDuration("HTTP_PER_REQUEST_TIMEOUT", cfg.HTTPPerRequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WorkersConcurrency, err = envInt("WORKERS_CONCURRENCY", cfg.WorkersConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.JobUniquenessWindow, err = envDuration("JOB_UNIQUENESS_WINDOW", cfg.JobUniquenessWindow); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", k, v, err)
	}
	return d, nil
}

func envFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid float %q: %w", k, v, err)
	}
	return f, nil
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid int %q: %w", k, v, err)
	}
	return n, nil
}
