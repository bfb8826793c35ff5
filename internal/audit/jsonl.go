package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends entries to a JSON-lines file.
type JSONLSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewJSONLSink creates or opens path for appending; missing directories are created.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{path: path, f: f}, nil
}

// Publish writes one line per entry in a single write.
func (s *JSONLSink) Publish(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	_, err := s.f.Write(buf.Bytes())
	return err
}

// Findings scans the file for findings raised on sessionID (linear scan).
func (s *JSONLSink) Findings(sessionID string) ([]Entry, error) {
	s.mu.Lock()
	if s.f != nil {
		_ = s.f.Sync()
	}
	s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Kind == KindFinding && e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
