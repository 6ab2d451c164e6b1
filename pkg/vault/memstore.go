package vault

import (
	"context"
	"sync"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
)

// MemoryStore keeps vault records in a map. Useful for tests and ephemeral
// vaults; durable deployments use the file or Bun stores.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]store.VaultRecord
}

var _ store.VaultRecordStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]store.VaultRecord)}
}

func (m *MemoryStore) Get(_ context.Context, service string) (store.VaultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.items[service]
	if !ok {
		return store.VaultRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec store.VaultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[rec.Service]; ok && !existing.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.items[rec.Service] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, service string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[service]; !ok {
		return false, nil
	}
	delete(m.items, service)
	return true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]store.VaultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.VaultRecord, 0, len(m.items))
	for _, rec := range m.items {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) ReplaceAll(_ context.Context, recs []store.VaultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]store.VaultRecord, len(recs))
	for _, rec := range recs {
		next[rec.Service] = rec
	}
	m.items = next
	return nil
}
