package scheduler

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/firezone/idpsync/internal/dbx"
	"github.com/firezone/idpsync/internal/jobqueue"
)

func testScheduler(t *testing.T) (*Scheduler, *pgxpool.Pool) {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	sqlDB, err := sql.Open("pgx", dbURL)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer sqlDB.Close()
	if err := dbx.Migrate(sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range []string{"sync_jobs", "directories", "accounts"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}

	return New(pool, jobqueue.New(pool), 10*time.Minute, 10*time.Minute), pool
}

func insertAccount(ctx context.Context, t *testing.T, pool *pgxpool.Pool, features string, disabled bool) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	var err error
	if disabled {
		err = pool.QueryRow(ctx, `INSERT INTO accounts (features, disabled_at) VALUES ($1, now()) RETURNING id`, features).Scan(&id)
	} else {
		err = pool.QueryRow(ctx, `INSERT INTO accounts (features) VALUES ($1) RETURNING id`, features).Scan(&id)
	}
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return id
}

func insertDirectory(ctx context.Context, t *testing.T, pool *pgxpool.Pool, accountID uuid.UUID, disabled bool) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	if err := pool.QueryRow(ctx, `INSERT INTO directories (account_id, provider, is_disabled) VALUES ($1, 'google', $2) RETURNING id`, accountID, disabled).Scan(&id); err != nil {
		t.Fatalf("insert directory: %v", err)
	}
	return id
}

func TestTick_EnqueuesOnlyEligibleDirectories(t *testing.T) {
	s, pool := testScheduler(t)
	ctx := context.Background()

	eligibleAccount := insertAccount(ctx, t, pool, `{"idp_sync": true}`, false)
	eligibleDir := insertDirectory(ctx, t, pool, eligibleAccount, false)

	disabledDirAccount := insertAccount(ctx, t, pool, `{"idp_sync": true}`, false)
	disabledDir := insertDirectory(ctx, t, pool, disabledDirAccount, true)

	disabledAccount := insertAccount(ctx, t, pool, `{"idp_sync": true}`, true)
	dirUnderDisabledAccount := insertDirectory(ctx, t, pool, disabledAccount, false)

	noFeatureAccount := insertAccount(ctx, t, pool, `{}`, false)
	dirWithoutFeature := insertDirectory(ctx, t, pool, noFeatureAccount, false)

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	for _, tc := range []struct {
		name     string
		dirID    uuid.UUID
		enqueued bool
	}{
		{"eligible", eligibleDir, true},
		{"directory disabled", disabledDir, false},
		{"account disabled", dirUnderDisabledAccount, false},
		{"feature flag off", dirWithoutFeature, false},
	} {
		var count int
		pool.QueryRow(ctx, `SELECT count(*) FROM sync_jobs WHERE directory_id = $1`, tc.dirID).Scan(&count)
		got := count > 0
		if got != tc.enqueued {
			t.Errorf("%s: enqueued = %v, want %v", tc.name, got, tc.enqueued)
		}
	}
}
