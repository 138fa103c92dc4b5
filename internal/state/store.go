// Package state keeps the program registry and the connection history in
// SQLite.
//
// The registry is a single JSON document in its own table. History rows
// are individual events so they can be pruned by age and by count.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/fwguard/internal/clock"
)

// ErrStoreClosed is returned by every call after Close.
var ErrStoreClosed = errors.New("state store is closed")

// schemaVersion is recorded in PRAGMA user_version. Each entry of
// migrations moves the schema up by one.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE registry (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		data     BLOB NOT NULL,
		saved_at INTEGER NOT NULL
	);
	CREATE TABLE audit_events (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		ts   INTEGER NOT NULL,
		data BLOB NOT NULL
	);
	CREATE INDEX idx_audit_ts ON audit_events(ts);`,
}

// Options selects the database file. Path ":memory:" keeps everything in
// memory.
type Options struct {
	Path    string
	WALMode bool
	Clock   clock.Clock
}

// DefaultOptions opens path in WAL mode.
func DefaultOptions(path string) Options {
	return Options{Path: path, WALMode: true}
}

// SQLiteStore implements program.Persister and the audit history.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens the database at opts.Path, creating its directory
// and schema as needed.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		dsn += "?_pragma=busy_timeout(5000)"
		if opts.WALMode {
			dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// One connection: an in-memory database is private to its connection
	// and the daemon is the only writer anyway.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}

	s := &SQLiteStore{db: db, clock: opts.Clock}
	if s.clock == nil {
		s.clock = clock.Default()
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema %d is newer than supported %d", version, schemaVersion)
	}
	for ; version < schemaVersion; version++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("step %d: %w", version+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// read runs fn under the read lock unless the store is closed.
func (s *SQLiteStore) read(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn()
}

func (s *SQLiteStore) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn()
}

// LoadRegistry returns the saved registry document, or nil if there is
// none yet.
func (s *SQLiteStore) LoadRegistry(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.read(func() error {
		err := s.db.QueryRowContext(ctx, "SELECT data FROM registry WHERE id = 1").Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return data, nil
}

// StoreRegistry replaces the saved registry document.
func (s *SQLiteStore) StoreRegistry(ctx context.Context, data []byte) error {
	err := s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO registry (id, data, saved_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at
		`, data, s.clock.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("store registry: %w", err)
	}
	return nil
}

// RegistrySavedAt reports when the registry was last stored. ok is false
// if it never was.
func (s *SQLiteStore) RegistrySavedAt(ctx context.Context) (at time.Time, ok bool, err error) {
	err = s.read(func() error {
		var unix int64
		err := s.db.QueryRowContext(ctx, "SELECT saved_at FROM registry WHERE id = 1").Scan(&unix)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return err
		}
		at, ok = time.Unix(unix, 0), true
		return nil
	})
	return at, ok, err
}

// Close closes the database. Closing twice is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
