// Package audit maintains the append-only record of every security-relevant
// broker action. The log is the source of truth for "what happened": entries
// are never edited or deleted, and callers must treat a failed append as a
// failure of the privileged action that produced it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/google/uuid"
)

var (
	ErrUnknownAction     = errors.New("audit: unknown action")
	ErrMissingRepository = errors.New("audit: repository is required")
	ErrInvalidOutcome    = errors.New("audit: invalid outcome")
)

// Recorder is the narrow contract other services depend on. Record must
// return a non-nil error whenever the entry could not be durably appended;
// callers gate their own success on it.
type Recorder interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Dependencies wires the audit service.
type Dependencies struct {
	Repository store.AuditEntryRepository
	Logger     logger.Logger
	Now        func() time.Time
}

// Service validates and appends audit entries and answers history queries.
type Service struct {
	repo   store.AuditEntryRepository
	logger logger.Logger
	now    func() time.Time
}

var _ Recorder = (*Service)(nil)

// New builds the audit service.
func New(deps Dependencies) (*Service, error) {
	if deps.Repository == nil {
		return nil, ErrMissingRepository
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{repo: deps.Repository, logger: deps.Logger, now: deps.Now}, nil
}

// Record validates the entry, masks sensitive metadata, and appends it.
// The append error propagates: a caller that cannot audit a mutation must
// not report that mutation as successful.
func (s *Service) Record(ctx context.Context, entry domain.AuditEntry) error {
	if !domain.KnownAction(entry.Action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, entry.Action)
	}
	switch entry.Outcome {
	case domain.OutcomeSuccess, domain.OutcomeFailure, domain.OutcomePending:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, entry.Outcome)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	entry.Metadata = MaskMetadata(entry.Metadata)
	if err := s.repo.Append(ctx, &entry); err != nil {
		s.logger.Error("audit append failed",
			logger.F("action", entry.Action),
			logger.F("service", entry.Service),
			logger.F("error", err),
		)
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Query filters audit history. Since takes an absolute cutoff; Within takes
// a relative window resolved against the current clock ("7 days back from
// now"); when both are set the later cutoff wins. Limit returns the most
// recent N matches, in chronological order.
type Query struct {
	Service string
	Action  string
	Since   time.Time
	Within  time.Duration
	Limit   int
}

// Query returns the matching suffix of history.
func (s *Service) Query(ctx context.Context, q Query) ([]domain.AuditEntry, error) {
	cutoff := q.Since
	if q.Within > 0 {
		relative := s.now().Add(-q.Within)
		if relative.After(cutoff) {
			cutoff = relative
		}
	}
	entries, err := s.repo.Query(ctx, store.AuditQuery{
		Service: q.Service,
		Action:  q.Action,
		Since:   cutoff,
		Limit:   q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}
