package worker

import (
	"context"
	"database/sql"
	"iter"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/firezone/idpsync/internal/dbx"
	"github.com/firezone/idpsync/internal/directorystate"
	"github.com/firezone/idpsync/internal/jobqueue"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
	"github.com/firezone/idpsync/internal/reconcile"
)

type noopAdapter struct{ issuer string }

func (a *noopAdapter) Issuer() string                               { return a.issuer }
func (a *noopAdapter) AccessToken(ctx context.Context) (string, error) { return "tok", nil }
func (a *noopAdapter) Verify(ctx context.Context) error             { return nil }
func (a *noopAdapter) StreamUsers(ctx context.Context) iter.Seq2[provider.UserRecord, error] {
	return func(yield func(provider.UserRecord, error) bool) {}
}
func (a *noopAdapter) StreamGroups(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	return func(yield func(provider.GroupRecord, error) bool) {}
}
func (a *noopAdapter) StreamOrgUnits(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	return func(yield func(provider.GroupRecord, error) bool) {}
}
func (a *noopAdapter) StreamGroupMembers(ctx context.Context, groupIdPID string) iter.Seq2[provider.MemberID, error] {
	return func(yield func(provider.MemberID, error) bool) {}
}

func testPool(t *testing.T) (*Pool, *pgxpool.Pool) {
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

	for _, table := range []string{"sync_jobs", "memberships", "external_identities", "groups", "actors", "directories", "accounts"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}

	loader := func(ctx context.Context, directoryID uuid.UUID) (model.Directory, model.Account, error) {
		var dir model.Directory
		var acctID uuid.UUID
		var isDisabled bool
		if err := pool.QueryRow(ctx, `SELECT account_id, is_disabled FROM directories WHERE id = $1`, directoryID).Scan(&acctID, &isDisabled); err != nil {
			return dir, model.Account{}, err
		}
		dir = model.Directory{ID: directoryID, AccountID: acctID, Provider: model.ProviderGoogle, IsDisabled: isDisabled}

		var disabledAt sql.NullTime
		if err := pool.QueryRow(ctx, `SELECT disabled_at FROM accounts WHERE id = $1`, acctID).Scan(&disabledAt); err != nil {
			return dir, model.Account{}, err
		}
		acct := model.Account{ID: acctID, Features: map[string]bool{"idp_sync": true}}
		if disabledAt.Valid {
			acct.DisabledAt = &disabledAt.Time
		}
		return dir, acct, nil
	}

	factory := func(dir model.Directory) (provider.Adapter, error) {
		return &noopAdapter{issuer: dir.Issuer()}, nil
	}

	p := New(pool, jobqueue.New(pool), directorystate.New(pool), reconcile.New(pool), loader, factory)
	return p, pool
}

func TestProcess_IneligibleDirectorySkipsWithoutStateChange(t *testing.T) {
	p, pool := testPool(t)
	ctx := context.Background()

	var acctID uuid.UUID
	pool.QueryRow(ctx, `INSERT INTO accounts (features) VALUES ('{"idp_sync": true}') RETURNING id`).Scan(&acctID)
	var dirID uuid.UUID
	pool.QueryRow(ctx, `INSERT INTO directories (account_id, provider, is_disabled) VALUES ($1, 'google', true) RETURNING id`, acctID).Scan(&dirID)

	p.process(ctx, jobqueue.Job{DirectoryID: dirID, Attempts: 1})

	var isDisabled bool
	pool.QueryRow(ctx, `SELECT is_disabled FROM directories WHERE id = $1`, dirID).Scan(&isDisabled)
	if !isDisabled {
		t.Error("directory state should not have been touched for an ineligible, already-disabled directory")
	}
}

func TestProcess_SuccessfulRunClearsErrorFields(t *testing.T) {
	p, pool := testPool(t)
	ctx := context.Background()

	var acctID uuid.UUID
	pool.QueryRow(ctx, `INSERT INTO accounts (features) VALUES ('{"idp_sync": true}') RETURNING id`).Scan(&acctID)
	var dirID uuid.UUID
	pool.QueryRow(ctx, `INSERT INTO directories (account_id, provider, errored_at, error_message) VALUES ($1, 'google', now(), 'boom') RETURNING id`, acctID).Scan(&dirID)

	p.process(ctx, jobqueue.Job{DirectoryID: dirID, Attempts: 1})

	var erroredAt sql.NullTime
	var syncedAt sql.NullTime
	pool.QueryRow(ctx, `SELECT errored_at, synced_at FROM directories WHERE id = $1`, dirID).Scan(&erroredAt, &syncedAt)
	if erroredAt.Valid {
		t.Error("errored_at should be cleared after a successful run")
	}
	if !syncedAt.Valid {
		t.Error("synced_at should be set after a successful run")
	}
}
