package bunrepo

import (
	"context"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// GrantRepository persists grants. Transition is a guarded UPDATE with a
// rows-affected check, so the state machine holds under concurrent
// callbacks even across processes.
type GrantRepository struct {
	base baseRepository[domain.Grant]
}

var _ store.GrantRepository = (*GrantRepository)(nil)

func NewGrantRepository(db *bun.DB) *GrantRepository {
	handlers := repository.ModelHandlers[*domain.Grant]{
		NewRecord:          func() *domain.Grant { return &domain.Grant{} },
		GetID:              func(g *domain.Grant) uuid.UUID { return g.ID },
		SetID:              func(g *domain.Grant, id uuid.UUID) { g.ID = id },
		GetIdentifier:      func() string { return "id" },
		GetIdentifierValue: func(g *domain.Grant) string { return g.ID.String() },
	}
	return &GrantRepository{
		base: newBaseRepository[domain.Grant](db, handlers, func(g *domain.Grant) *domain.RecordMeta { return &g.RecordMeta }),
	}
}

func (r *GrantRepository) Create(ctx context.Context, grant *domain.Grant) error {
	if grant.State == "" {
		grant.State = domain.GrantStatePending
	}
	return r.base.create(ctx, grant)
}

func (r *GrantRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	return r.base.getByID(ctx, id)
}

func (r *GrantRepository) GetByCorrelationToken(ctx context.Context, token string) (*domain.Grant, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	grant, err := r.base.repo.Get(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("correlation_token = ?", token).
			Where("token_consumed = ?", false)
	})
	if err != nil {
		return nil, mapError(err)
	}
	return grant, nil
}

func (r *GrantRepository) ListByState(ctx context.Context, state string, opts store.ListOptions) ([]domain.Grant, error) {
	return r.base.list(ctx, withState(state), withListOptions(opts))
}

func (r *GrantRepository) Transition(ctx context.Context, id uuid.UUID, tr store.GrantTransition) (*domain.Grant, error) {
	now := time.Now().UTC()
	q := r.base.db.NewUpdate().
		Model((*domain.Grant)(nil)).
		Set("state = ?", tr.To).
		Set("resolved_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("state = ?", tr.From)
	if tr.Reason != "" {
		q = q.Set("reason = ?", tr.Reason)
	}
	if tr.ConsumeToken {
		q = q.Set("token_consumed = ?", true)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Either the grant is gone or it already left tr.From.
		if _, getErr := r.base.getByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrConflict
	}
	return r.base.getByID(ctx, id)
}
