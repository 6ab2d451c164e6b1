// Package memory provides map-backed repositories with the same contracts
// as the Bun implementations. Useful for tests and single-process setups
// that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/google/uuid"
)

// GrantRepository keeps grants in a map guarded by one mutex; Transition's
// check-and-set runs entirely under it.
type GrantRepository struct {
	mu     sync.Mutex
	grants map[uuid.UUID]*domain.Grant
}

var _ store.GrantRepository = (*GrantRepository)(nil)

func NewGrantRepository() *GrantRepository {
	return &GrantRepository{grants: make(map[uuid.UUID]*domain.Grant)}
}

func (r *GrantRepository) Create(_ context.Context, grant *domain.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant.EnsureID()
	now := time.Now().UTC()
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	grant.UpdatedAt = now
	cp := *grant
	r.grants[grant.ID] = &cp
	return nil
}

func (r *GrantRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *GrantRepository) GetByCorrelationToken(_ context.Context, token string) (*domain.Grant, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
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

func (r *GrantRepository) ListByState(_ context.Context, state string, opts store.ListOptions) ([]domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Grant
	for _, g := range r.grants {
		if g.State != state {
			continue
		}
		if !opts.Since.IsZero() && g.CreatedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && g.CreatedAt.After(opts.Until) {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *GrantRepository) Transition(_ context.Context, id uuid.UUID, tr store.GrantTransition) (*domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if g.State != tr.From {
		return nil, store.ErrConflict
	}
	now := time.Now().UTC()
	g.State = tr.To
	g.UpdatedAt = now
	g.ResolvedAt = now
	if tr.Reason != "" {
		g.Reason = tr.Reason
	}
	if tr.ConsumeToken {
		g.TokenConsumed = true
	}
	cp := *g
	return &cp, nil
}
