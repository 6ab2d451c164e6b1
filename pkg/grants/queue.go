// Package grants tracks requests for service access through their lifecycle:
// pending, then exactly one of active, denied, or expired, with active grants
// optionally revoked later. Transitions ride on the repository's
// compare-and-swap so concurrent resolutions cannot both win.
package grants

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/google/uuid"
)

var (
	ErrMissingRepository = errors.New("grants: repository is required")
	ErrMissingService    = errors.New("grants: service is required")
	ErrUnknownMethod     = errors.New("grants: unknown grant method")
	ErrNotFound          = errors.New("grants: not found")
	// ErrAlreadyResolved means the grant left the state the transition
	// required, usually because a concurrent caller got there first.
	ErrAlreadyResolved = errors.New("grants: already resolved")
)

// correlationTokenBytes sizes the random token binding an OAuth redirect to
// the grant that initiated it.
const correlationTokenBytes = 32

// DefaultPendingTTL bounds how long an unresolved grant stays pending before
// the sweep marks it expired.
const DefaultPendingTTL = 24 * time.Hour

// Dependencies wires a Queue.
type Dependencies struct {
	Repository store.GrantRepository
	Logger     logger.Logger
	Now        func() time.Time
}

// Queue is the grant lifecycle service.
type Queue struct {
	repo   store.GrantRepository
	logger logger.Logger
	now    func() time.Time
}

func New(deps Dependencies) (*Queue, error) {
	if deps.Repository == nil {
		return nil, ErrMissingRepository
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Queue{repo: deps.Repository, logger: deps.Logger, now: deps.Now}, nil
}

// Request describes the access being asked for.
type Request struct {
	Service    string
	Method     domain.GrantMethod
	Scopes     []string
	Org        string
	Team       string
	ExpiryDays int
}

func validMethod(m domain.GrantMethod) bool {
	switch m {
	case domain.MethodOAuth, domain.MethodAPIKey, domain.MethodAccount,
		domain.MethodBrowser, domain.MethodDevice:
		return true
	default:
		return false
	}
}

// Submit records a new pending grant. OAuth grants get a fresh single-use
// correlation token; other methods carry none.
func (q *Queue) Submit(ctx context.Context, req Request) (*domain.Grant, error) {
	if req.Service == "" {
		return nil, ErrMissingService
	}
	if !validMethod(req.Method) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}

	now := q.now().UTC()
	grant := &domain.Grant{
		Service:    req.Service,
		Method:     req.Method,
		Scopes:     domain.StringList(req.Scopes),
		Org:        req.Org,
		Team:       req.Team,
		ExpiryDays: req.ExpiryDays,
		State:      domain.GrantStatePending,
	}
	grant.EnsureID()
	grant.CreatedAt = now
	grant.UpdatedAt = now
	if req.ExpiryDays > 0 {
		grant.ExpiresAt = now.AddDate(0, 0, req.ExpiryDays)
	}
	if req.Method == domain.MethodOAuth {
		token, err := newCorrelationToken()
		if err != nil {
			return nil, err
		}
		grant.CorrelationToken = token
	}

	if err := q.repo.Create(ctx, grant); err != nil {
		return nil, fmt.Errorf("grants: create: %w", err)
	}
	q.logger.Info("grant requested",
		logger.F("grant_id", grant.ID.String()),
		logger.F("service", grant.Service),
		logger.F("method", string(grant.Method)))
	return grant, nil
}

// Get returns a grant by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	grant, err := q.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("grants: get: %w", err)
	}
	return grant, nil
}

// FindByCorrelationToken resolves the pending grant bound to an OAuth
// redirect. Consumed or unknown tokens both come back ErrNotFound, so a
// replayed redirect is indistinguishable from a forged one.
func (q *Queue) FindByCorrelationToken(ctx context.Context, token string) (*domain.Grant, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	grant, err := q.repo.GetByCorrelationToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("grants: find by token: %w", err)
	}
	return grant, nil
}

// Activate moves a pending grant to active and consumes its correlation
// token. Losing the race to another resolution yields ErrAlreadyResolved.
func (q *Queue) Activate(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	return q.transition(ctx, id, store.GrantTransition{
		From:         domain.GrantStatePending,
		To:           domain.GrantStateActive,
		ConsumeToken: true,
	})
}

// Deny resolves a pending grant negatively.
func (q *Queue) Deny(ctx context.Context, id uuid.UUID, reason string) (*domain.Grant, error) {
	return q.transition(ctx, id, store.GrantTransition{
		From:         domain.GrantStatePending,
		To:           domain.GrantStateDenied,
		Reason:       reason,
		ConsumeToken: true,
	})
}

// Expire times out a pending grant.
func (q *Queue) Expire(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	return q.transition(ctx, id, store.GrantTransition{
		From:         domain.GrantStatePending,
		To:           domain.GrantStateExpired,
		Reason:       "pending grant timed out",
		ConsumeToken: true,
	})
}

// Revoke withdraws an active grant. Only active grants can be revoked; the
// terminal states stay terminal.
func (q *Queue) Revoke(ctx context.Context, id uuid.UUID, reason string) (*domain.Grant, error) {
	return q.transition(ctx, id, store.GrantTransition{
		From:   domain.GrantStateActive,
		To:     domain.GrantStateRevoked,
		Reason: reason,
	})
}

// Pending lists unresolved grants.
func (q *Queue) Pending(ctx context.Context, opts store.ListOptions) ([]domain.Grant, error) {
	grants, err := q.repo.ListByState(ctx, domain.GrantStatePending, opts)
	if err != nil {
		return nil, fmt.Errorf("grants: list pending: %w", err)
	}
	return grants, nil
}

// Active lists grants currently in force.
func (q *Queue) Active(ctx context.Context, opts store.ListOptions) ([]domain.Grant, error) {
	grants, err := q.repo.ListByState(ctx, domain.GrantStateActive, opts)
	if err != nil {
		return nil, fmt.Errorf("grants: list active: %w", err)
	}
	return grants, nil
}

// ExpireStale sweeps pending grants into the expired state and reports how
// many it moved. A grant is stale when it is older than ttl or its own
// expiry has passed. Grants resolved concurrently mid-sweep are skipped,
// not errors.
func (q *Queue) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	now := q.now().UTC()
	cutoff := now.Add(-ttl)
	pending, err := q.Pending(ctx, store.ListOptions{})
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range pending {
		g := &pending[i]
		overdue := !g.ExpiresAt.IsZero() && g.ExpiresAt.Before(now)
		if g.CreatedAt.After(cutoff) && !overdue {
			continue
		}
		if _, err := q.Expire(ctx, g.ID); err != nil {
			if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		q.logger.Info("expired stale grants", logger.F("count", expired))
	}
	return expired, nil
}

func (q *Queue) transition(ctx context.Context, id uuid.UUID, tr store.GrantTransition) (*domain.Grant, error) {
	grant, err := q.repo.Transition(ctx, id, tr)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return nil, ErrAlreadyResolved
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("grants: transition to %s: %w", tr.To, err)
		}
	}
	q.logger.Info("grant transitioned",
		logger.F("grant_id", id.String()),
		logger.F("state", tr.To))
	return grant, nil
}

func newCorrelationToken() (string, error) {
	raw := make([]byte, correlationTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("grants: correlation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
