package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
)

type memoryRepo struct {
	entries   []domain.AuditEntry
	appendErr error
}

func (m *memoryRepo) Append(_ context.Context, entry *domain.AuditEntry) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryRepo) Query(_ context.Context, q store.AuditQuery) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if q.Service != "" && e.Service != q.Service {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func newTestService(t *testing.T, repo store.AuditEntryRepository, now time.Time) *Service {
	t.Helper()
	svc, err := New(Dependencies{Repository: repo, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc
}

func TestRecordValidatesAction(t *testing.T) {
	svc := newTestService(t, &memoryRepo{}, time.Now())
	err := svc.Record(context.Background(), domain.AuditEntry{
		Action:  "credential.sneak",
		Outcome: domain.OutcomeSuccess,
	})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestRecordValidatesOutcome(t *testing.T) {
	svc := newTestService(t, &memoryRepo{}, time.Now())
	err := svc.Record(context.Background(), domain.AuditEntry{
		Action:  domain.ActionCredentialAccess,
		Outcome: "maybe",
	})
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestRecordAssignsIdentityAndTimestamp(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &memoryRepo{}
	svc := newTestService(t, repo, now)

	err := svc.Record(context.Background(), domain.AuditEntry{
		Action:  domain.ActionCredentialCreate,
		Service: "github",
		Outcome: domain.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	got := repo.entries[0]
	if got.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("expected assigned id")
	}
	if !got.Timestamp.Equal(now) {
		t.Fatalf("expected timestamp %v, got %v", now, got.Timestamp)
	}
}

func TestRecordPropagatesAppendFailure(t *testing.T) {
	repo := &memoryRepo{appendErr: errors.New("disk full")}
	svc := newTestService(t, repo, time.Now())

	err := svc.Record(context.Background(), domain.AuditEntry{
		Action:  domain.ActionCredentialCreate,
		Service: "github",
		Outcome: domain.OutcomeSuccess,
	})
	if err == nil {
		t.Fatalf("expected append failure to propagate")
	}
}

func TestRecordMasksMetadata(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(t, repo, time.Now())

	err := svc.Record(context.Background(), domain.AuditEntry{
		Action:  domain.ActionCredentialCreate,
		Service: "github",
		Outcome: domain.OutcomeSuccess,
		Metadata: domain.JSONMap{
			"access_token": "ghp_supersecretvalue",
			"note":         "kept as is",
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	meta := repo.entries[0].Metadata
	if meta["access_token"] == "ghp_supersecretvalue" {
		t.Fatalf("token not masked: %v", meta["access_token"])
	}
	if meta["note"] != "kept as is" {
		t.Fatalf("non-sensitive field mangled: %v", meta["note"])
	}
}

func TestQueryRelativeWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	repo := &memoryRepo{}
	for day := 1; day <= 9; day++ {
		repo.entries = append(repo.entries, domain.AuditEntry{
			Action:    domain.ActionCredentialAccess,
			Service:   "github",
			Outcome:   domain.OutcomeSuccess,
			Timestamp: time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		})
	}
	svc := newTestService(t, repo, now)

	got, err := svc.Query(context.Background(), Query{Within: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// "7 days back" means at-or-after March 3.
	if len(got) != 7 {
		t.Fatalf("expected 7 entries, got %d", len(got))
	}
	if got[0].Timestamp.Day() != 3 {
		t.Fatalf("expected window to start on day 3, got %d", got[0].Timestamp.Day())
	}
}

func TestQueryLimitReturnsMostRecent(t *testing.T) {
	repo := &memoryRepo{}
	for day := 1; day <= 5; day++ {
		repo.entries = append(repo.entries, domain.AuditEntry{
			Action:    domain.ActionCredentialAccess,
			Service:   "github",
			Outcome:   domain.OutcomeSuccess,
			Timestamp: time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		})
	}
	svc := newTestService(t, repo, time.Now())

	got, err := svc.Query(context.Background(), Query{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Timestamp.Day() != 4 || got[1].Timestamp.Day() != 5 {
		t.Fatalf("expected the two most recent entries, got days %d,%d",
			got[0].Timestamp.Day(), got[1].Timestamp.Day())
	}
}
