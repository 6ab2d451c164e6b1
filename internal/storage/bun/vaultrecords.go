package bunrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/uptrace/bun"
)

type vaultRecord struct {
	bun.BaseModel `bun:"table:vault_records"`

	Service   string    `bun:",pk"`
	Blob      []byte    `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// VaultRecordModel exposes the table model for registration with
// persistence/migration tooling.
func VaultRecordModel() any { return (*vaultRecord)(nil) }

// VaultRecordStore keeps encrypted blobs in a table keyed by service name.
// The blobs are opaque here; all cryptography lives in the vault service.
type VaultRecordStore struct {
	db *bun.DB
}

var _ store.VaultRecordStore = (*VaultRecordStore)(nil)

func NewVaultRecordStore(db *bun.DB) *VaultRecordStore {
	return &VaultRecordStore{db: db}
}

func (s *VaultRecordStore) Get(ctx context.Context, service string) (store.VaultRecord, error) {
	var rec vaultRecord
	err := s.db.NewSelect().Model(&rec).Where("service = ?", service).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.VaultRecord{}, store.ErrNotFound
		}
		return store.VaultRecord{}, err
	}
	return fromVaultRecord(rec), nil
}

func (s *VaultRecordStore) Put(ctx context.Context, rec store.VaultRecord) error {
	model := toVaultRecord(rec)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = model.CreatedAt
	}
	_, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (service) DO UPDATE").
		Set("blob = EXCLUDED.blob").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *VaultRecordStore) Delete(ctx context.Context, service string) (bool, error) {
	res, err := s.db.NewDelete().
		Model((*vaultRecord)(nil)).
		Where("service = ?", service).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *VaultRecordStore) List(ctx context.Context) ([]store.VaultRecord, error) {
	var recs []vaultRecord
	if err := s.db.NewSelect().Model(&recs).Order("service ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]store.VaultRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromVaultRecord(rec))
	}
	return out, nil
}

// ReplaceAll swaps the whole record set inside one transaction; key
// rotation relies on this being all-or-nothing.
func (s *VaultRecordStore) ReplaceAll(ctx context.Context, recs []store.VaultRecord) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*vaultRecord)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		models := make([]vaultRecord, 0, len(recs))
		now := time.Now().UTC()
		for _, rec := range recs {
			model := *toVaultRecord(rec)
			if model.CreatedAt.IsZero() {
				model.CreatedAt = now
			}
			if model.UpdatedAt.IsZero() {
				model.UpdatedAt = now
			}
			models = append(models, model)
		}
		_, err := tx.NewInsert().Model(&models).Exec(ctx)
		return err
	})
}

func toVaultRecord(rec store.VaultRecord) *vaultRecord {
	return &vaultRecord{
		Service:   rec.Service,
		Blob:      rec.Blob,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func fromVaultRecord(rec vaultRecord) store.VaultRecord {
	return store.VaultRecord{
		Service:   rec.Service,
		Blob:      rec.Blob,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
