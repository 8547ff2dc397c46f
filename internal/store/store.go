// Package store implements the durable persistent store on SQLite.
//
// All state that must survive a daemon crash lives here: sessions, project
// bindings, approval requests, and the emergency-mode singleton. Writes are
// single-record upserts guarded by expected-prior-state checks, giving
// last-writer detection without a global lock. WAL mode tolerates
// simultaneous readers and writers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"coderelay/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed persistent store.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	writeRetries int
}

// Options tunes store behavior.
type Options struct {
	// BusyTimeoutMS is passed to PRAGMA busy_timeout.
	BusyTimeoutMS int
	// WriteRetries bounds retry attempts on transient write failures.
	WriteRetries int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{BusyTimeoutMS: 5000, WriteRetries: 3}
}

// Open initializes the SQLite database at the given path, creating the
// schema and the emergency-state singleton on first start.
func Open(path string, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeoutMS)); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	retries := opts.WriteRetries
	if retries <= 0 {
		retries = 3
	}
	s := &Store{db: db, dbPath: path, writeRetries: retries}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Store("store opened at %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			project_path   TEXT NOT NULL,
			status         TEXT NOT NULL,
			context        TEXT NOT NULL DEFAULT '{}',
			version        INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL
		)`,
		// At most one non-terminal session per project directory.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_project
			ON sessions(project_path) WHERE status != 'terminated'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,

		`CREATE TABLE IF NOT EXISTS project_bindings (
			channel_id   TEXT PRIMARY KEY,
			project_path TEXT NOT NULL UNIQUE
		)`,

		`CREATE TABLE IF NOT EXISTS approval_requests (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			tool_name     TEXT NOT NULL,
			target        TEXT NOT NULL DEFAULT '',
			raw_arguments TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL,
			resolved_at   TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_session
			ON approval_requests(session_id)`,

		`CREATE TABLE IF NOT EXISTS emergency_state (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			status       TEXT NOT NULL DEFAULT 'normal',
			activated_by TEXT NOT NULL DEFAULT '',
			activated_at TIMESTAMP
		)`,
		// Singleton row exists from first start onward.
		`INSERT OR IGNORE INTO emergency_state (id, status) VALUES (1, 'normal')`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// withRetry runs fn with bounded retries on transient SQLite contention.
// Non-transient errors surface immediately.
func (s *Store) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.writeRetries; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		logging.StoreDebug("%s: transient failure (attempt %d/%d): %v",
			op, attempt+1, s.writeRetries, err)
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
