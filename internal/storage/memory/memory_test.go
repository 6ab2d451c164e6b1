package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/google/uuid"
)

func pendingGrant(service, token string) *domain.Grant {
	g := &domain.Grant{
		Service:          service,
		Method:           domain.MethodOAuth,
		State:            domain.GrantStatePending,
		CorrelationToken: token,
	}
	g.EnsureID()
	return g
}

func TestGrantRepositoryTransitionCAS(t *testing.T) {
	repo := NewGrantRepository()
	ctx := context.Background()

	g := pendingGrant("github", "tok-1")
	if err := repo.Create(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}

	activated, err := repo.Transition(ctx, g.ID, store.GrantTransition{
		From:         domain.GrantStatePending,
		To:           domain.GrantStateActive,
		ConsumeToken: true,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if activated.State != domain.GrantStateActive || !activated.TokenConsumed {
		t.Fatalf("unexpected grant: %+v", activated)
	}

	if _, err := repo.Transition(ctx, g.ID, store.GrantTransition{
		From: domain.GrantStatePending,
		To:   domain.GrantStateActive,
	}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGrantRepositoryTokenLookup(t *testing.T) {
	repo := NewGrantRepository()
	ctx := context.Background()

	g := pendingGrant("github", "tok-2")
	repo.Create(ctx, g)

	found, err := repo.GetByCorrelationToken(ctx, "tok-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != g.ID {
		t.Fatal("wrong grant")
	}

	repo.Transition(ctx, g.ID, store.GrantTransition{
		From:         domain.GrantStatePending,
		To:           domain.GrantStateActive,
		ConsumeToken: true,
	})
	if _, err := repo.GetByCorrelationToken(ctx, "tok-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("consumed token should be absent, got %v", err)
	}
	if _, err := repo.GetByCorrelationToken(ctx, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("empty token should be absent, got %v", err)
	}
}

func TestGrantRepositoryListByState(t *testing.T) {
	repo := NewGrantRepository()
	ctx := context.Background()

	for i, service := range []string{"github", "strava", "linear"} {
		g := pendingGrant(service, "")
		g.CreatedAt = time.Date(2025, 6, 1, 10+i, 0, 0, 0, time.UTC)
		repo.Create(ctx, g)
	}

	pending, err := repo.ListByState(ctx, domain.GrantStatePending, store.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
			t.Fatal("list should be in creation order")
		}
	}

	limited, _ := repo.ListByState(ctx, domain.GrantStatePending, store.ListOptions{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("limit: expected 2, got %d", len(limited))
	}
}

func TestGrantRepositoryGetByIDMissing(t *testing.T) {
	repo := NewGrantRepository()
	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditRepositoryQueryLimit(t *testing.T) {
	repo := NewAuditRepository()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	actions := []string{
		domain.ActionCredentialCreate,
		domain.ActionCredentialAccess,
		domain.ActionCredentialRevoke,
	}
	for i, action := range actions {
		repo.Append(ctx, &domain.AuditEntry{
			ID:        uuid.New(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    action,
			Service:   "github",
			Outcome:   domain.OutcomeSuccess,
		})
	}

	got, err := repo.Query(ctx, store.AuditQuery{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	// Limit keeps the most recent suffix, still oldest first.
	if got[0].Action != domain.ActionCredentialAccess || got[1].Action != domain.ActionCredentialRevoke {
		t.Fatalf("unexpected suffix: %+v", got)
	}

	filtered, _ := repo.Query(ctx, store.AuditQuery{Action: domain.ActionCredentialAccess})
	if len(filtered) != 1 {
		t.Fatalf("action filter: expected 1, got %d", len(filtered))
	}
	since, _ := repo.Query(ctx, store.AuditQuery{Since: base.Add(time.Minute)})
	if len(since) != 2 {
		t.Fatalf("since filter: expected 2, got %d", len(since))
	}
}
