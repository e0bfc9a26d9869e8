package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGo)
)

// SQLiteStore implements Store with SQLite persistence. It is the durable
// engine a resource-constrained device keeps across crashes: a single file,
// no server process, no CGo toolchain requirement.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu     sync.Mutex // serializes writes; SQLite allows one writer at a time
	closed bool
}

// Open opens (creating if absent) a SQLite-backed durable store at path.
// Use ":memory:" for an ephemeral, single-process store (tests).
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_items_kind_id ON items(kind, id)`)
	return err
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, kind Kind, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO items (kind, payload) VALUES (?, ?)`, string(kind), payload)
	if err != nil {
		return 0, fmt.Errorf("store: add: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add: last insert id: %w", err)
	}
	return id, nil
}

// One implements Store.
func (s *SQLiteStore) One(ctx context.Context, kind Kind) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, ErrClosed
	}

	var it Item
	it.Kind = kind
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload FROM items WHERE kind = ? ORDER BY id ASC LIMIT 1`,
		string(kind))
	if err := row.Scan(&it.ID, &it.Payload); err != nil {
		if err == sql.ErrNoRows {
			return Item{}, ErrEmpty
		}
		return Item{}, fmt.Errorf("store: one: %w", err)
	}
	return it, nil
}

// Delete implements Store. A row that is already deleted, or never existed,
// is not an error: the DELETE simply affects zero rows.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// Close implements Store. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Unlink removes the store's backing file: the store is treated as
// ephemeral per run and is unlinked on orderly shutdown, preserved only
// across crashes. Callers must Close first.
func (s *SQLiteStore) Unlink() error {
	if s.path == ":memory:" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: unlink %s: %w", s.path, err)
	}
	// WAL mode leaves -wal/-shm sidecar files; best-effort cleanup.
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")
	return nil
}
