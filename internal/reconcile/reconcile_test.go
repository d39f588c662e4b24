package reconcile

import (
	"context"
	"database/sql"
	"iter"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/firezone/idpsync/internal/dbx"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
)

// fakeAdapter replays a fixed set of records instead of talking to a real
// IdP, so the reconciliation engine can be exercised against deterministic
// input the way the provider packages exercise their own HTTP layer against
// an httptest server.
type fakeAdapter struct {
	issuer      string
	users       []provider.UserRecord
	groups      []provider.GroupRecord
	orgUnits    []provider.GroupRecord
	membersByGroup map[string][]memberEntry
}

type memberEntry struct {
	idPID string
	kind  string // USER, GROUP, EXTERNAL
}

func (f *fakeAdapter) Issuer() string                          { return f.issuer }
func (f *fakeAdapter) AccessToken(ctx context.Context) (string, error) { return "tok", nil }
func (f *fakeAdapter) Verify(ctx context.Context) error         { return nil }

func (f *fakeAdapter) StreamUsers(ctx context.Context) iter.Seq2[provider.UserRecord, error] {
	return func(yield func(provider.UserRecord, error) bool) {
		for _, u := range f.users {
			if !yield(u, nil) {
				return
			}
		}
	}
}

func (f *fakeAdapter) StreamGroups(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	return func(yield func(provider.GroupRecord, error) bool) {
		for _, g := range f.groups {
			if !yield(g, nil) {
				return
			}
		}
	}
}

func (f *fakeAdapter) StreamOrgUnits(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	return func(yield func(provider.GroupRecord, error) bool) {
		for _, g := range f.orgUnits {
			if !yield(g, nil) {
				return
			}
		}
	}
}

func (f *fakeAdapter) StreamGroupMembers(ctx context.Context, groupIdPID string) iter.Seq2[provider.MemberID, error] {
	return func(yield func(provider.MemberID, error) bool) {
		for _, m := range f.membersByGroup[groupIdPID] {
			if m.kind != "USER" {
				continue
			}
			if !yield(provider.MemberID(m.idPID), nil) {
				return
			}
		}
	}
}

var _ provider.Adapter = (*fakeAdapter)(nil)

func testEngine(t *testing.T) (*Engine, *pgxpool.Pool) {
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

	for _, table := range []string{"memberships", "external_identities", "groups", "actors", "directories", "accounts"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}

	return New(pool), pool
}

func newTestDirectory(ctx context.Context, t *testing.T, pool *pgxpool.Pool) model.Directory {
	t.Helper()
	var accountID uuid.UUID
	if err := pool.QueryRow(ctx, `INSERT INTO accounts (features) VALUES ('{"idp_sync": true}') RETURNING id`).Scan(&accountID); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	var dirID uuid.UUID
	if err := pool.QueryRow(ctx, `INSERT INTO directories (account_id, provider) VALUES ($1, 'google') RETURNING id`, accountID).Scan(&dirID); err != nil {
		t.Fatalf("insert directory: %v", err)
	}
	return model.Directory{ID: dirID, AccountID: accountID, Provider: model.ProviderGoogle}
}

func TestEngine_Run_FreshDirectoryTwoUsersOneGroupOneMember(t *testing.T) {
	engine, pool := testEngine(t)
	ctx := context.Background()
	dir := newTestDirectory(ctx, t, pool)

	adapter := &fakeAdapter{
		issuer: dir.Issuer(),
		users: []provider.UserRecord{
			{IdPID: "u1", Email: "a@ex.com", Name: "A"},
			{IdPID: "u2", Email: "b@ex.com"},
		},
		groups: []provider.GroupRecord{{IdPID: "g1", Name: "Eng"}},
		membersByGroup: map[string][]memberEntry{
			"g1": {{idPID: "u1", kind: "USER"}, {idPID: "nested", kind: "GROUP"}},
		},
	}

	syncedAt := time.Unix(1700000000, 0).UTC()
	result, err := engine.Run(ctx, dir, adapter, syncedAt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.IdentitiesUpserted != 2 {
		t.Errorf("identities upserted = %d, want 2", result.IdentitiesUpserted)
	}
	if result.MembershipsUpserted != 1 {
		t.Errorf("memberships upserted = %d, want 1 (nested GROUP member dropped)", result.MembershipsUpserted)
	}

	var identityCount, groupCount, membershipCount int
	pool.QueryRow(ctx, `SELECT count(*) FROM external_identities WHERE directory_id = $1`, dir.ID).Scan(&identityCount)
	pool.QueryRow(ctx, `SELECT count(*) FROM groups WHERE directory_id = $1`, dir.ID).Scan(&groupCount)
	pool.QueryRow(ctx, `SELECT count(*) FROM memberships m JOIN groups g ON g.id = m.group_id WHERE g.directory_id = $1`, dir.ID).Scan(&membershipCount)
	if identityCount != 2 {
		t.Errorf("identity rows = %d, want 2", identityCount)
	}
	if groupCount != 1 {
		t.Errorf("group rows = %d, want 1", groupCount)
	}
	if membershipCount != 1 {
		t.Errorf("membership rows = %d, want 1", membershipCount)
	}
}

func TestEngine_Run_RerunWithUserRemovedTombstonesActorAndIdentity(t *testing.T) {
	engine, pool := testEngine(t)
	ctx := context.Background()
	dir := newTestDirectory(ctx, t, pool)

	first := &fakeAdapter{
		issuer: dir.Issuer(),
		users: []provider.UserRecord{
			{IdPID: "u1", Email: "a@ex.com"},
			{IdPID: "u2", Email: "b@ex.com"},
		},
		groups: []provider.GroupRecord{{IdPID: "g1", Name: "Eng"}},
		membersByGroup: map[string][]memberEntry{
			"g1": {{idPID: "u1", kind: "USER"}},
		},
	}
	if _, err := engine.Run(ctx, dir, first, time.Unix(1700000000, 0).UTC()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := &fakeAdapter{
		issuer: dir.Issuer(),
		users:  []provider.UserRecord{{IdPID: "u1", Email: "a@ex.com"}},
		groups: []provider.GroupRecord{{IdPID: "g1", Name: "Eng"}},
		membersByGroup: map[string][]memberEntry{
			"g1": {{idPID: "u1", kind: "USER"}},
		},
	}
	dir.SyncedAt = timePtr(time.Unix(1700000000, 0).UTC())
	if _, err := engine.Run(ctx, dir, second, time.Unix(1700003600, 0).UTC()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var u2Count int
	pool.QueryRow(ctx, `SELECT count(*) FROM external_identities WHERE directory_id = $1 AND idp_id = 'u2'`, dir.ID).Scan(&u2Count)
	if u2Count != 0 {
		t.Errorf("u2 identity still present after removal")
	}

	var orphanActors int
	pool.QueryRow(ctx, `SELECT count(*) FROM actors a WHERE a.created_by_directory_id = $1 AND NOT EXISTS (SELECT 1 FROM external_identities i WHERE i.actor_id = a.id)`, dir.ID).Scan(&orphanActors)
	if orphanActors != 0 {
		t.Errorf("orphaned actors remain = %d, want 0", orphanActors)
	}

	var u1Count int
	pool.QueryRow(ctx, `SELECT count(*) FROM external_identities WHERE directory_id = $1 AND idp_id = 'u1'`, dir.ID).Scan(&u1Count)
	if u1Count != 1 {
		t.Errorf("u1 identity missing after rerun")
	}
}

func TestEngine_Run_MassDeletionTripsCircuitBreaker(t *testing.T) {
	engine, pool := testEngine(t)
	ctx := context.Background()
	dir := newTestDirectory(ctx, t, pool)

	var initialUsers []provider.UserRecord
	for i := 0; i < 100; i++ {
		initialUsers = append(initialUsers, provider.UserRecord{IdPID: idN(i), Email: idN(i) + "@ex.com"})
	}
	first := &fakeAdapter{issuer: dir.Issuer(), users: initialUsers}
	if _, err := engine.Run(ctx, dir, first, time.Unix(1700000000, 0).UTC()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	var survivors []provider.UserRecord
	for i := 0; i < 5; i++ {
		survivors = append(survivors, provider.UserRecord{IdPID: idN(i), Email: idN(i) + "@ex.com"})
	}
	second := &fakeAdapter{issuer: dir.Issuer(), users: survivors}
	dir.SyncedAt = timePtr(time.Unix(1700000000, 0).UTC())

	_, err := engine.Run(ctx, dir, second, time.Unix(1700003600, 0).UTC())
	if err == nil {
		t.Fatal("expected deletion threshold to trip")
	}

	var remaining int
	pool.QueryRow(ctx, `SELECT count(*) FROM external_identities WHERE directory_id = $1`, dir.ID).Scan(&remaining)
	if remaining != 100 {
		t.Errorf("identity rows = %d, want 100 (no deletes on circuit-breaker trip)", remaining)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func idN(i int) string {
	return "u" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
