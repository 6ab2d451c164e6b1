package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
)

// fileFormatVersion tags the on-disk document for forward migration.
const fileFormatVersion = 1

// FileStore persists vault records as a single versioned JSON document
// mapping service names to opaque base64 blobs. Writes go through a temp
// file and rename so a crash mid-write never leaves a torn vault.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ store.VaultRecordStore = (*FileStore)(nil)

type fileDocument struct {
	Version int                   `json:"version"`
	Records map[string]fileRecord `json:"records"`
}

type fileRecord struct {
	Blob      string    `json:"blob"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFileStore builds a store rooted at path. The file is created lazily on
// first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Get(_ context.Context, service string) (store.VaultRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return store.VaultRecord{}, err
	}
	rec, ok := doc.Records[service]
	if !ok {
		return store.VaultRecord{}, store.ErrNotFound
	}
	decoded, err := f.decode(service, rec)
	if err != nil {
		// A corrupt record reads as absent, matching the vault's
		// fail-closed handling of unreadable blobs.
		return store.VaultRecord{}, store.ErrNotFound
	}
	return decoded, nil
}

func (f *FileStore) Put(_ context.Context, rec store.VaultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	entry := fileRecord{
		Blob:      base64.StdEncoding.EncodeToString(rec.Blob),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if prior, ok := doc.Records[rec.Service]; ok && !prior.CreatedAt.IsZero() {
		entry.CreatedAt = prior.CreatedAt
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	doc.Records[rec.Service] = entry
	return f.save(doc)
}

func (f *FileStore) Delete(_ context.Context, service string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return false, err
	}
	if _, ok := doc.Records[service]; !ok {
		return false, nil
	}
	delete(doc.Records, service)
	if err := f.save(doc); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) List(_ context.Context) ([]store.VaultRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]store.VaultRecord, 0, len(doc.Records))
	for service, rec := range doc.Records {
		decoded, err := f.decode(service, rec)
		if err != nil {
			// One corrupt record must not make the rest unreadable.
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (f *FileStore) ReplaceAll(_ context.Context, recs []store.VaultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := fileDocument{Version: fileFormatVersion, Records: make(map[string]fileRecord, len(recs))}
	for _, rec := range recs {
		doc.Records[rec.Service] = fileRecord{
			Blob:      base64.StdEncoding.EncodeToString(rec.Blob),
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	return f.save(doc)
}

func (f *FileStore) load() (fileDocument, error) {
	doc := fileDocument{Version: fileFormatVersion, Records: make(map[string]fileRecord)}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("vault: read store: %w", err)
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("vault: parse store: %w", err)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]fileRecord)
	}
	return doc, nil
}

func (f *FileStore) save(doc fileDocument) error {
	doc.Version = fileFormatVersion
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode store: %w", err)
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: stage store: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: restrict store permissions: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: flush store: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("vault: commit store: %w", err)
	}
	return nil
}

func (f *FileStore) decode(service string, rec fileRecord) (store.VaultRecord, error) {
	blob, err := base64.StdEncoding.DecodeString(rec.Blob)
	if err != nil {
		return store.VaultRecord{}, fmt.Errorf("vault: record %s is not valid base64: %w", service, err)
	}
	return store.VaultRecord{
		Service:   service,
		Blob:      blob,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}
