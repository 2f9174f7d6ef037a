package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backend persists a single state document.
type Backend interface {
	Load(ctx context.Context) (*PersistentState, error)
	Save(ctx context.Context, s *PersistentState) error
	Close() error
}

// FileBackend stores the document as pretty-printed JSON. Writes go to a
// temp file in the same directory and are renamed into place, so a crash
// mid-write never leaves a truncated document behind.
type FileBackend struct {
	path string
}

// NewFileBackend creates the parent directory if needed.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FileBackend{path: path}, nil
}

// Load reads the document, returning a fresh empty state if the file
// does not exist yet.
func (b *FileBackend) Load(ctx context.Context) (*PersistentState, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return NewPersistentState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	var s PersistentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", b.path, err)
	}
	s.applyDefaults()
	return &s, nil
}

// Save writes the document atomically.
func (b *FileBackend) Save(ctx context.Context, s *PersistentState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }
