package grants

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/google/uuid"
)

type fakeGrantRepo struct {
	mu     sync.Mutex
	grants map[uuid.UUID]*domain.Grant
}

func newFakeGrantRepo() *fakeGrantRepo {
	return &fakeGrantRepo{grants: make(map[uuid.UUID]*domain.Grant)}
}

func (r *fakeGrantRepo) Create(_ context.Context, grant *domain.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *grant
	r.grants[grant.ID] = &cp
	return nil
}

func (r *fakeGrantRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *fakeGrantRepo) GetByCorrelationToken(_ context.Context, token string) (*domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.grants {
		if g.CorrelationToken == token && !g.TokenConsumed {
			cp := *g
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *fakeGrantRepo) ListByState(_ context.Context, state string, _ store.ListOptions) ([]domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Grant
	for _, g := range r.grants {
		if g.State == state {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (r *fakeGrantRepo) Transition(_ context.Context, id uuid.UUID, tr store.GrantTransition) (*domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if g.State != tr.From {
		return nil, store.ErrConflict
	}
	g.State = tr.To
	g.Reason = tr.Reason
	g.ResolvedAt = time.Now().UTC()
	if tr.ConsumeToken {
		g.TokenConsumed = true
	}
	cp := *g
	return &cp, nil
}

func newTestQueue(t *testing.T, now func() time.Time) (*Queue, *fakeGrantRepo) {
	t.Helper()
	repo := newFakeGrantRepo()
	q, err := New(Dependencies{Repository: repo, Now: now})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, repo
}

func TestSubmitOAuthGrant(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	grant, err := q.Submit(ctx, Request{
		Service:    "github",
		Method:     domain.MethodOAuth,
		Scopes:     []string{"repo", "read:org"},
		ExpiryDays: 90,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if grant.State != domain.GrantStatePending {
		t.Fatalf("expected pending, got %s", grant.State)
	}
	if grant.CorrelationToken == "" {
		t.Fatal("oauth grant must carry a correlation token")
	}
	if grant.ExpiresAt.IsZero() {
		t.Fatal("expiry days should set expires_at")
	}

	other, err := q.Submit(ctx, Request{Service: "strava", Method: domain.MethodOAuth})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if other.CorrelationToken == grant.CorrelationToken {
		t.Fatal("correlation tokens must be unique per grant")
	}
}

func TestSubmitNonOAuthHasNoToken(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	grant, err := q.Submit(context.Background(), Request{Service: "linear", Method: domain.MethodAPIKey})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if grant.CorrelationToken != "" {
		t.Fatal("non-oauth grants should not carry correlation tokens")
	}
}

func TestSubmitValidation(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	if _, err := q.Submit(ctx, Request{Method: domain.MethodOAuth}); !errors.Is(err, ErrMissingService) {
		t.Fatalf("expected ErrMissingService, got %v", err)
	}
	if _, err := q.Submit(ctx, Request{Service: "github", Method: "carrier_pigeon"}); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestActivateConsumesToken(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	grant, err := q.Submit(ctx, Request{Service: "github", Method: domain.MethodOAuth})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	found, err := q.FindByCorrelationToken(ctx, grant.CorrelationToken)
	if err != nil {
		t.Fatalf("find by token: %v", err)
	}
	if found.ID != grant.ID {
		t.Fatal("token resolved to the wrong grant")
	}

	activated, err := q.Activate(ctx, grant.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if activated.State != domain.GrantStateActive {
		t.Fatalf("expected active, got %s", activated.State)
	}

	// The token is single use; a replayed redirect must not resolve.
	if _, err := q.FindByCorrelationToken(ctx, grant.CorrelationToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("consumed token should be absent, got %v", err)
	}
}

func TestActivateRaceLosesCleanly(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	grant, _ := q.Submit(ctx, Request{Service: "github", Method: domain.MethodOAuth})
	if _, err := q.Activate(ctx, grant.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := q.Activate(ctx, grant.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second activation should lose, got %v", err)
	}
	if _, err := q.Deny(ctx, grant.ID, "late denial"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("denying a resolved grant should fail, got %v", err)
	}
}

func TestRevokeOnlyActive(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	grant, _ := q.Submit(ctx, Request{Service: "github", Method: domain.MethodOAuth})
	if _, err := q.Revoke(ctx, grant.ID, "early"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("revoking a pending grant should fail, got %v", err)
	}

	if _, err := q.Activate(ctx, grant.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	revoked, err := q.Revoke(ctx, grant.ID, "human said stop")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.State != domain.GrantStateRevoked || revoked.Reason != "human said stop" {
		t.Fatalf("unexpected revoked grant: %+v", revoked)
	}
}

func TestDenyRecordsReason(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	grant, _ := q.Submit(ctx, Request{Service: "github", Method: domain.MethodOAuth})
	denied, err := q.Deny(ctx, grant.ID, "scope too broad")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.State != domain.GrantStateDenied || denied.Reason != "scope too broad" {
		t.Fatalf("unexpected denied grant: %+v", denied)
	}
}

func TestExpireStale(t *testing.T) {
	current := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	q, repo := newTestQueue(t, func() time.Time { return current })
	ctx := context.Background()

	stale, _ := q.Submit(ctx, Request{Service: "github", Method: domain.MethodOAuth})
	repo.mu.Lock()
	repo.grants[stale.ID].CreatedAt = current.Add(-48 * time.Hour)
	repo.mu.Unlock()

	fresh, _ := q.Submit(ctx, Request{Service: "strava", Method: domain.MethodOAuth})

	n, err := q.ExpireStale(ctx, DefaultPendingTTL)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired grant, got %d", n)
	}

	got, _ := q.Get(ctx, stale.ID)
	if got.State != domain.GrantStateExpired {
		t.Fatalf("stale grant should be expired, got %s", got.State)
	}
	got, _ = q.Get(ctx, fresh.ID)
	if got.State != domain.GrantStatePending {
		t.Fatalf("fresh grant should stay pending, got %s", got.State)
	}
}

func TestExpireStaleHonorsGrantExpiry(t *testing.T) {
	current := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	q, repo := newTestQueue(t, func() time.Time { return current })
	ctx := context.Background()

	// Recently created, but its own expiry has already passed.
	overdue, _ := q.Submit(ctx, Request{Service: "github", Method: domain.MethodOAuth})
	repo.mu.Lock()
	repo.grants[overdue.ID].ExpiresAt = current.Add(-time.Hour)
	repo.mu.Unlock()

	n, err := q.ExpireStale(ctx, DefaultPendingTTL)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired grant, got %d", n)
	}
	got, _ := q.Get(ctx, overdue.ID)
	if got.State != domain.GrantStateExpired {
		t.Fatalf("overdue grant should be expired, got %s", got.State)
	}
}
