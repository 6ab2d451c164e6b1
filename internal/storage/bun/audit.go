package bunrepo

import (
	"context"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AuditRepository is append-only by construction: it exposes no update or
// delete path over the entries table.
type AuditRepository struct {
	db *bun.DB
}

var _ store.AuditEntryRepository = (*AuditRepository)(nil)

func NewAuditRepository(db *bun.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := r.db.NewInsert().Model(entry).Exec(ctx)
	return err
}

// Query selects the most recent Limit matches by walking history backwards,
// then reverses so callers always see chronological order.
func (r *AuditRepository) Query(ctx context.Context, q store.AuditQuery) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	sel := r.db.NewSelect().Model(&entries)
	if q.Service != "" {
		sel = sel.Where("service = ?", q.Service)
	}
	if q.Action != "" {
		sel = sel.Where("action = ?", q.Action)
	}
	if !q.Since.IsZero() {
		sel = sel.Where("timestamp >= ?", q.Since)
	}
	sel = sel.Order("timestamp DESC")
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
