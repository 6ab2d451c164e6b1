// Package storage bundles repository construction so callers wire one
// Providers value instead of individual backends.
package storage

import (
	"context"
	"database/sql"

	bunrepo "github.com/crawfishlabs/agentvault/internal/storage/bun"
	"github.com/crawfishlabs/agentvault/internal/storage/memory"
	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/crawfishlabs/agentvault/pkg/vault"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// Providers exposes the repositories the broker services need.
type Providers struct {
	Grants       store.GrantRepository
	AuditEntries store.AuditEntryRepository
	VaultRecords store.VaultRecordStore
}

// Option tweaks a Providers bundle after construction.
type Option func(*Providers)

// WithVaultRecordStore swaps the vault record backend, e.g. for the
// file-based store in single-binary deployments.
func WithVaultRecordStore(s store.VaultRecordStore) Option {
	return func(p *Providers) {
		if s != nil {
			p.VaultRecords = s
		}
	}
}

// NewMemoryProviders returns map-backed repositories. Nothing survives the
// process; grants lose their restart durability guarantee, so this is for
// tests and throwaway runs only.
func NewMemoryProviders(opts ...Option) Providers {
	providers := Providers{
		Grants:       memory.NewGrantRepository(),
		AuditEntries: memory.NewAuditRepository(),
		VaultRecords: vault.NewMemoryStore(),
	}
	for _, opt := range opts {
		opt(&providers)
	}
	return providers
}

// NewBunProviders wires Bun-backed repositories. The caller owns the
// *bun.DB lifecycle; models are registered so go-persistence-bun
// migrations can pick them up.
func NewBunProviders(db *bun.DB, opts ...Option) Providers {
	if db == nil {
		panic("storage: bun DB is required")
	}

	persistence.RegisterModel(
		(*domain.Grant)(nil),
		(*domain.AuditEntry)(nil),
		bunrepo.VaultRecordModel(),
	)

	providers := Providers{
		Grants:       bunrepo.NewGrantRepository(db),
		AuditEntries: bunrepo.NewAuditRepository(db),
		VaultRecords: bunrepo.NewVaultRecordStore(db),
	}
	for _, opt := range opts {
		opt(&providers)
	}
	return providers
}

// CreateTables creates the broker tables when migrations are not in play,
// e.g. fresh SQLite files created by the CLI's init command.
func CreateTables(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*domain.Grant)(nil),
		(*domain.AuditEntry)(nil),
		bunrepo.VaultRecordModel(),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WithinTransaction runs fn inside one database transaction.
func WithinTransaction(ctx context.Context, db *bun.DB, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, _ bun.Tx) error {
		return fn(ctx)
	})
}
