// Package vault stores per-service credentials encrypted at rest.
//
// Records are sealed with XChaCha20-Poly1305 under a single master key held
// only in memory. Decryption failures fail closed: a record sealed under a
// different key is reported as absent, never surfaced as corrupt data, so a
// rotated or revoked vault cannot crash a caller. Every operation appends
// one audit entry, and the operation's success is gated on that append.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/audit"
	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrNotFound covers both genuinely absent records and records that
	// failed authentication under the current master key.
	ErrNotFound     = errors.New("vault: not found")
	ErrMissingStore = errors.New("vault: record store is required")
	ErrMissingAudit = errors.New("vault: audit recorder is required")
	ErrInvalidKey   = errors.New("vault: master key must be 32 bytes")
)

// Dependencies wires a vault instance. The master key is explicit
// constructor input so multiple vaults with different keys can coexist.
type Dependencies struct {
	Key       []byte
	Store     store.VaultRecordStore
	Audit     audit.Recorder
	Logger    logger.Logger
	Principal string
	Agent     string
	Now       func() time.Time
}

// Service is the encrypted credential store. All operations serialize
// through a single-writer mutex so concurrent mutations never interleave
// against the backing record set; RotateKey holds the writer lock for its
// full duration.
type Service struct {
	mu        sync.RWMutex
	aead      cipher.AEAD
	store     store.VaultRecordStore
	audit     audit.Recorder
	logger    logger.Logger
	principal string
	agent     string
	now       func() time.Time
}

// New builds a vault over the supplied record store.
func New(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, ErrMissingStore
	}
	if deps.Audit == nil {
		return nil, ErrMissingAudit
	}
	if len(deps.Key) != KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(deps.Key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		aead:      aead,
		store:     deps.Store,
		audit:     deps.Audit,
		logger:    deps.Logger,
		principal: deps.Principal,
		agent:     deps.Agent,
		now:       deps.Now,
	}, nil
}

// IsNotFound reports whether err is the vault's absence error.
func (s *Service) IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Get decrypts and returns the credential stored for service.
func (s *Service) Get(ctx context.Context, service string) (*domain.Credential, error) {
	s.mu.RLock()
	rec, err := s.store.Get(ctx, service)
	var cred *domain.Credential
	if err == nil {
		cred, err = s.open(rec.Blob)
	}
	s.mu.RUnlock()

	if err != nil {
		if auditErr := s.record(ctx, domain.ActionCredentialAccess, service, domain.OutcomeFailure, domain.JSONMap{"reason": reasonFor(err)}); auditErr != nil {
			return nil, auditErr
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if auditErr := s.record(ctx, domain.ActionCredentialAccess, service, domain.OutcomeSuccess, nil); auditErr != nil {
		return nil, auditErr
	}
	return cred, nil
}

// Set encrypts and stores the credential, overwriting any prior record for
// the service. Success is reported only after the audit entry is appended.
func (s *Service) Set(ctx context.Context, service string, cred *domain.Credential) error {
	if cred == nil {
		return errors.New("vault: credential is required")
	}
	if !cred.Kind.Valid() {
		return fmt.Errorf("vault: unknown credential kind %q", cred.Kind)
	}
	if cred.Service == "" {
		cred.Service = service
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	blob, err := s.seal(cred)
	if err == nil {
		err = s.store.Put(ctx, store.VaultRecord{Service: service, Blob: blob, UpdatedAt: s.now().UTC()})
	}
	s.mu.Unlock()

	outcome := domain.OutcomeSuccess
	meta := domain.JSONMap{"kind": string(cred.Kind)}
	if err != nil {
		outcome = domain.OutcomeFailure
		meta["error"] = err.Error()
	}
	if auditErr := s.record(ctx, domain.ActionCredentialCreate, service, outcome, meta); auditErr != nil {
		return auditErr
	}
	return err
}

// Delete removes the stored credential. The bool reports whether anything
// was actually removed.
func (s *Service) Delete(ctx context.Context, service string) (bool, error) {
	s.mu.Lock()
	removed, err := s.store.Delete(ctx, service)
	s.mu.Unlock()

	outcome := domain.OutcomeSuccess
	meta := domain.JSONMap{"removed": removed}
	if err != nil {
		outcome = domain.OutcomeFailure
		meta["error"] = err.Error()
	}
	if auditErr := s.record(ctx, domain.ActionCredentialRevoke, service, outcome, meta); auditErr != nil {
		return false, auditErr
	}
	return removed, err
}

// List returns non-sensitive summaries of every readable credential.
// Records sealed under a different key are skipped, consistent with Get
// treating them as absent.
func (s *Service) List(ctx context.Context) ([]domain.CredentialSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: list records: %w", err)
	}
	summaries := make([]domain.CredentialSummary, 0, len(recs))
	for _, rec := range recs {
		cred, err := s.open(rec.Blob)
		if err != nil {
			s.logger.Warn("vault record unreadable, skipping",
				logger.F("service", rec.Service))
			continue
		}
		summaries = append(summaries, domain.CredentialSummary{
			Service:   rec.Service,
			Kind:      cred.Kind,
			ExpiresAt: cred.ExpiresAt,
		})
	}
	return summaries, nil
}

// RotateKey re-encrypts every stored record under newKey. The writer lock
// is held for the whole decrypt-all/re-encrypt-all/persist sequence, and
// the record set is swapped in one ReplaceAll so a failure leaves every
// record under the old key.
func (s *Service) RotateKey(ctx context.Context, newKey []byte) error {
	if len(newKey) != KeySize {
		return ErrInvalidKey
	}
	newAEAD, err := chacha20poly1305.NewX(newKey)
	if err != nil {
		return fmt.Errorf("vault: init cipher: %w", err)
	}

	s.mu.Lock()
	rotated, err := s.rotateLocked(ctx, newAEAD)
	s.mu.Unlock()

	outcome := domain.OutcomeSuccess
	meta := domain.JSONMap{"records": rotated}
	if err != nil {
		outcome = domain.OutcomeFailure
		meta["error"] = err.Error()
	}
	if auditErr := s.record(ctx, domain.ActionCredentialRotate, "", outcome, meta); auditErr != nil {
		return auditErr
	}
	return err
}

func (s *Service) rotateLocked(ctx context.Context, newAEAD cipher.AEAD) (int, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("vault: list records: %w", err)
	}
	staged := make([]store.VaultRecord, 0, len(recs))
	now := s.now().UTC()
	for _, rec := range recs {
		cred, err := s.open(rec.Blob)
		if err != nil {
			return 0, fmt.Errorf("vault: record %s unreadable under current key", rec.Service)
		}
		blob, err := sealWith(newAEAD, cred)
		if err != nil {
			return 0, fmt.Errorf("vault: re-encrypt %s: %w", rec.Service, err)
		}
		staged = append(staged, store.VaultRecord{
			Service:   rec.Service,
			Blob:      blob,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: now,
		})
	}
	if err := s.store.ReplaceAll(ctx, staged); err != nil {
		return 0, fmt.Errorf("vault: persist rotated records: %w", err)
	}
	s.aead = newAEAD
	return len(staged), nil
}

func (s *Service) seal(cred *domain.Credential) ([]byte, error) {
	return sealWith(s.aead, cred)
}

// sealWith lays the blob out as nonce, tag, ciphertext.
func sealWith(aead cipher.AEAD, cred *domain.Credential) ([]byte, error) {
	plain, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("vault: encode credential: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plain, nil)
	tagAt := len(sealed) - aead.Overhead()
	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed[tagAt:]...)
	blob = append(blob, sealed[:tagAt]...)
	return blob, nil
}

func (s *Service) open(blob []byte) (*domain.Credential, error) {
	nonceSize := s.aead.NonceSize()
	overhead := s.aead.Overhead()
	if len(blob) < nonceSize+overhead {
		return nil, ErrNotFound
	}
	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+overhead]
	ciphertext := blob[nonceSize+overhead:]
	sealed := make([]byte, 0, len(tag)+len(ciphertext))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrNotFound
	}
	var cred domain.Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, ErrNotFound
	}
	return &cred, nil
}

func (s *Service) record(ctx context.Context, action, service, outcome string, meta domain.JSONMap) error {
	return s.audit.Record(ctx, domain.AuditEntry{
		Action:    action,
		Service:   service,
		Principal: s.principal,
		Agent:     s.agent,
		Outcome:   outcome,
		Metadata:  meta,
	})
}

func reasonFor(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "not_found"
	}
	if errors.Is(err, ErrNotFound) {
		return "decrypt_failed"
	}
	return "store_error"
}
