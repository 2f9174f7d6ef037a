package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores the document as a single row, replaced inside a
// transaction on every save. The cgo-free driver keeps the binary
// self-contained.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and if needed creates) the database file.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	// Single writer; more connections just contend on the file lock.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS trading_state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		document   TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Load reads the single state row, returning an empty state when the
// table has no row yet.
func (b *SQLiteBackend) Load(ctx context.Context) (*PersistentState, error) {
	var doc string
	err := b.db.QueryRowContext(ctx, `SELECT document FROM trading_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return NewPersistentState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state row: %w", err)
	}
	var s PersistentState
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("parsing state document: %w", err)
	}
	s.applyDefaults()
	return &s, nil
}

// Save replaces the state row transactionally.
func (b *SQLiteBackend) Save(ctx context.Context, s *PersistentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO trading_state (id, document, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving state row: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error { return b.db.Close() }
