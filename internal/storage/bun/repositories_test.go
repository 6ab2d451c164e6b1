package bunrepo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.DriverName(), "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	models := []any{
		(*domain.Grant)(nil),
		(*domain.AuditEntry)(nil),
		(*vaultRecord)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("create table: %v", err)
		}
	}

	t.Cleanup(func() {
		for _, model := range models {
			db.NewDelete().Model(model).Where("1 = 1").Exec(ctx)
		}
	})
	return db
}

func TestGrantRepositoryBun(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewGrantRepository(db)
	ctx := context.Background()

	grant := &domain.Grant{
		Service:          "github",
		Method:           domain.MethodOAuth,
		Scopes:           domain.StringList{"repo"},
		CorrelationToken: "bun-token-1",
	}
	if err := repo.Create(ctx, grant); err != nil {
		t.Fatalf("create: %v", err)
	}
	if grant.State != domain.GrantStatePending {
		t.Fatalf("create should default to pending, got %s", grant.State)
	}

	got, err := repo.GetByID(ctx, grant.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Service != "github" || len(got.Scopes) != 1 {
		t.Fatalf("unexpected grant: %+v", got)
	}

	byToken, err := repo.GetByCorrelationToken(ctx, "bun-token-1")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if byToken.ID != grant.ID {
		t.Fatal("token resolved to the wrong grant")
	}
}

func TestGrantRepositoryBunTransitionCAS(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewGrantRepository(db)
	ctx := context.Background()

	grant := &domain.Grant{
		Service:          "github",
		Method:           domain.MethodOAuth,
		CorrelationToken: "bun-token-2",
	}
	if err := repo.Create(ctx, grant); err != nil {
		t.Fatalf("create: %v", err)
	}

	activated, err := repo.Transition(ctx, grant.ID, store.GrantTransition{
		From:         domain.GrantStatePending,
		To:           domain.GrantStateActive,
		ConsumeToken: true,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if activated.State != domain.GrantStateActive || !activated.TokenConsumed {
		t.Fatalf("unexpected grant after transition: %+v", activated)
	}
	if activated.ResolvedAt.IsZero() {
		t.Fatal("transition should stamp resolved_at")
	}

	if _, err := repo.Transition(ctx, grant.ID, store.GrantTransition{
		From: domain.GrantStatePending,
		To:   domain.GrantStateDenied,
	}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := repo.GetByCorrelationToken(ctx, "bun-token-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("consumed token should be absent, got %v", err)
	}
}

func TestGrantRepositoryBunListByState(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewGrantRepository(db)
	ctx := context.Background()

	for _, service := range []string{"github", "strava"} {
		if err := repo.Create(ctx, &domain.Grant{Service: service, Method: domain.MethodOAuth}); err != nil {
			t.Fatalf("create %s: %v", service, err)
		}
	}

	pending, err := repo.ListByState(ctx, domain.GrantStatePending, store.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	active, err := repo.ListByState(ctx, domain.GrantStateActive, store.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active grants, got %d", len(active))
	}
}

func TestAuditRepositoryBun(t *testing.T) {
	db := setupSQLiteDB(t)
	repo := NewAuditRepository(db)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	actions := []string{
		domain.ActionCredentialCreate,
		domain.ActionCredentialAccess,
		domain.ActionCredentialRevoke,
	}
	for i, action := range actions {
		err := repo.Append(ctx, &domain.AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    action,
			Service:   "github",
			Outcome:   domain.OutcomeSuccess,
			Metadata:  domain.JSONMap{"step": action},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := repo.Query(ctx, store.AuditQuery{Service: "github"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, action := range actions {
		if got[i].Action != action {
			t.Fatalf("entry %d: expected %s, got %s", i, action, got[i].Action)
		}
	}

	limited, err := repo.Query(ctx, store.AuditQuery{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(limited))
	}
	if limited[0].Action != domain.ActionCredentialAccess || limited[1].Action != domain.ActionCredentialRevoke {
		t.Fatalf("limit should keep the most recent suffix in order, got %+v", limited)
	}
}

func TestVaultRecordStoreBun(t *testing.T) {
	db := setupSQLiteDB(t)
	vrs := NewVaultRecordStore(db)
	ctx := context.Background()

	if _, err := vrs.Get(ctx, "github"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := vrs.Put(ctx, store.VaultRecord{Service: "github", Blob: []byte("blob-1")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := vrs.Put(ctx, store.VaultRecord{Service: "github", Blob: []byte("blob-2")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := vrs.Get(ctx, "github")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Blob) != "blob-2" {
		t.Fatalf("upsert should replace the blob, got %q", got.Blob)
	}

	if err := vrs.Put(ctx, store.VaultRecord{Service: "strava", Blob: []byte("blob-3")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	recs, err := vrs.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	if err := vrs.ReplaceAll(ctx, []store.VaultRecord{{Service: "github", Blob: []byte("rotated")}}); err != nil {
		t.Fatalf("replace all: %v", err)
	}
	recs, _ = vrs.List(ctx)
	if len(recs) != 1 || string(recs[0].Blob) != "rotated" {
		t.Fatalf("replace all should swap the full set, got %+v", recs)
	}

	removed, err := vrs.Delete(ctx, "github")
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	removed, err = vrs.Delete(ctx, "github")
	if err != nil || removed {
		t.Fatalf("second delete should be a no-op: removed=%v err=%v", removed, err)
	}
}
