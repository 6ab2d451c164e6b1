package store

import (
	"context"
	"errors"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a record cannot be located.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a compare-and-swap transition loses the race,
// e.g. activating a grant that is no longer pending.
var ErrConflict = errors.New("store: state conflict")

// ListOptions capture pagination and time filtering knobs common to repositories.
type ListOptions struct {
	Limit  int
	Offset int
	Since  time.Time
	Until  time.Time
}

// ListResult bundles records and totals.
type ListResult[T any] struct {
	Items []T
	Total int
}

// GrantTransition describes a state-machine edge. Transition applies it only
// when the grant is currently in From; anything else is ErrConflict so a
// concurrent callback cannot double-activate a grant.
type GrantTransition struct {
	From         string
	To           string
	Reason       string
	ConsumeToken bool
}

// GrantRepository persists grant lifecycle state. Implementations must make
// Transition an atomic check-and-set against the backing store.
type GrantRepository interface {
	Create(ctx context.Context, grant *domain.Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Grant, error)
	// GetByCorrelationToken matches only grants whose token has not been
	// consumed; a consumed token behaves as absent.
	GetByCorrelationToken(ctx context.Context, token string) (*domain.Grant, error)
	ListByState(ctx context.Context, state string, opts ListOptions) ([]domain.Grant, error)
	Transition(ctx context.Context, id uuid.UUID, tr GrantTransition) (*domain.Grant, error)
}

// AuditQuery filters audit history. Limit selects the most recent N matches,
// counted from the end of history.
type AuditQuery struct {
	Service string
	Action  string
	Since   time.Time
	Limit   int
}

// AuditEntryRepository is append-only: Append is the sole mutation primitive.
type AuditEntryRepository interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	Query(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, error)
}

// VaultRecord is the at-rest representation of one encrypted credential.
// Blob is opaque to the store: nonce, tag, and ciphertext concatenated.
type VaultRecord struct {
	Service   string
	Blob      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VaultRecordStore persists encrypted vault blobs keyed by service name.
// ReplaceAll swaps the full record set in one step; key rotation depends on
// it to stay atomic from the caller's point of view.
type VaultRecordStore interface {
	Get(ctx context.Context, service string) (VaultRecord, error)
	Put(ctx context.Context, rec VaultRecord) error
	Delete(ctx context.Context, service string) (bool, error)
	List(ctx context.Context) ([]VaultRecord, error)
	ReplaceAll(ctx context.Context, recs []VaultRecord) error
}
