package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
)

// FileStore persists audit entries as one self-contained JSON record per
// line. The file is opened append-only and restricted to the owning user.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

var _ store.AuditEntryRepository = (*FileStore)(nil)

// NewFileStore opens (or creates) the log file at path.
func NewFileStore(path string) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	return &FileStore{path: path, file: file}, nil
}

// Append writes one JSON line. The write is flushed before returning so a
// reported success means the record is handed to the OS.
func (f *FileStore) Append(ctx context.Context, entry *domain.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit: nil entry")
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return f.file.Sync()
}

// Query re-reads the file and filters. The log is the durable artifact;
// query performance is secondary to append integrity here.
func (f *FileStore) Query(ctx context.Context, q store.AuditQuery) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reader, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	defer reader.Close()

	var matches []domain.AuditEntry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry domain.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn trailing line must not make history unreadable.
			continue
		}
		if q.Service != "" && entry.Service != q.Service {
			continue
		}
		if q.Action != "" && entry.Action != q.Action {
			continue
		}
		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		matches = append(matches, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log file: %w", err)
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[len(matches)-q.Limit:]
	}
	return matches, nil
}

// Close releases the underlying file handle.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
