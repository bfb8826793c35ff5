package files

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrylevesque/slqrattend/internal/crypto"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

const snapshotFileName = "attendance_store.json.enc"

// SnapshotStore is a MemoryStore persisted as one encrypted JSON file. The
// file is rewritten by Flush and on Close; between flushes the process
// memory is authoritative.
type SnapshotStore struct {
	*store.MemoryStore

	filePath string
	key      []byte
	envelope *crypto.Envelope
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewSnapshotStore loads dir/attendance_store.json.enc if present and returns
// a store backed by it.
func NewSnapshotStore(dir string, key []byte, retention time.Duration, logger *slog.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &SnapshotStore{
		MemoryStore: store.NewMemoryStore(retention),
		filePath:    filepath.Join(dir, snapshotFileName),
		key:         key,
		envelope:    crypto.NewEnvelope(crypto.CipherAESGCM),
		logger:      utils.OrDefault(logger),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the snapshot file location.
func (s *SnapshotStore) Path() string { return s.filePath }

// Flush writes the current content to disk atomically (write temp, rename).
func (s *SnapshotStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := json.Marshal(s.Export())
	if err != nil {
		return err
	}
	sealed, err := s.envelope.Seal(plain, s.key)
	if err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sealed), 0o600); err != nil {
		return utils.Wrap(utils.CodeStoreUnavailable, "write snapshot", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return utils.Wrap(utils.CodeStoreUnavailable, "replace snapshot", err)
	}
	return nil
}

// Run flushes every interval until ctx is done.
func (s *SnapshotStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("snapshot flush failed", "path", s.filePath, "error", err)
			}
		}
	}
}

// Close flushes a final snapshot.
func (s *SnapshotStore) Close() error {
	return s.Flush(context.Background())
}

// load loads the snapshot from the file
func (s *SnapshotStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, that's fine
		}
		return err
	}
	plain, err := s.envelope.Open(string(data), s.key)
	if err != nil {
		return fmt.Errorf("open snapshot %s: %w", s.filePath, err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", s.filePath, err)
	}
	s.Import(&snap)
	s.logger.Info("snapshot loaded", "path", s.filePath, "sessions", len(snap.Sessions), "outcomes", len(snap.Outcomes))
	return nil
}
