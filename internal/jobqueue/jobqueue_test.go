package jobqueue

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
)

func testQueue(t *testing.T) (*Queue, *pgxpool.Pool) {
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

	return New(pool), pool
}

func newDirectoryID(ctx context.Context, t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	var accountID uuid.UUID
	if err := pool.QueryRow(ctx, `INSERT INTO accounts (features) VALUES ('{"idp_sync": true}') RETURNING id`).Scan(&accountID); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	var dirID uuid.UUID
	if err := pool.QueryRow(ctx, `INSERT INTO directories (account_id, provider) VALUES ($1, 'google') RETURNING id`, accountID).Scan(&dirID); err != nil {
		t.Fatalf("insert directory: %v", err)
	}
	return dirID
}

func TestEnqueue_RejectsDuplicateWithinWindow(t *testing.T) {
	q, pool := testQueue(t)
	ctx := context.Background()
	dirID := newDirectoryID(ctx, t, pool)

	now := time.Now()
	if err := q.Enqueue(ctx, dirID, now, 10*time.Minute); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, dirID, now.Add(time.Minute), 10*time.Minute); err != ErrDuplicate {
		t.Errorf("second enqueue within window: err = %v, want ErrDuplicate", err)
	}
}

func TestEnqueue_AllowsReuseAfterWindowElapses(t *testing.T) {
	q, pool := testQueue(t)
	ctx := context.Background()
	dirID := newDirectoryID(ctx, t, pool)

	now := time.Now()
	if err := q.Enqueue(ctx, dirID, now, 10*time.Minute); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, dirID, now.Add(11*time.Minute), 10*time.Minute); err != nil {
		t.Errorf("enqueue after window elapsed: %v", err)
	}
}

func TestClaim_MarksExecutingAndIsExclusive(t *testing.T) {
	q, pool := testQueue(t)
	ctx := context.Background()
	dirID := newDirectoryID(ctx, t, pool)

	now := time.Now()
	if err := q.Enqueue(ctx, dirID, now, 10*time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.Claim(ctx, now, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].DirectoryID != dirID {
		t.Fatalf("claim returned %v, want one job for %s", jobs, dirID)
	}
	if jobs[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", jobs[0].Attempts)
	}

	second, err := q.Claim(ctx, now, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second claim returned %d jobs, want 0 (already executing)", len(second))
	}

	if err := q.Complete(ctx, dirID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var count int
	pool.QueryRow(ctx, `SELECT count(*) FROM sync_jobs WHERE directory_id = $1`, dirID).Scan(&count)
	if count != 0 {
		t.Errorf("sync_jobs row remains after Complete")
	}
}
