package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded relational database shared by every daemon,
// channel adapter, and CLI invocation. It holds no in-process mutex: all
// coordination across the processes that share one *Store happens through
// conditional SQL updates, because a single in-memory lock here would do
// nothing to serialize the other OS processes that open their own *Store
// against the same file.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the database at path with write-ahead logging
// and a busy timeout tolerant of the multi-process contention the
// supervision core is built around, applies the schema, and runs any
// pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply indexes: %w", err)
	}
	runMigrations(db)
	return &Store{db: db}, nil
}

// runMigrations applies schema migrations for databases created by older
// builds. Errors are silently ignored: a column may already exist from a
// prior pass, keeping each ALTER TABLE idempotent.
func runMigrations(db *sql.DB) {
	_, _ = db.Exec("ALTER TABLE control_entries ADD COLUMN heartbeat_phase TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN require_idle INTEGER NOT NULL DEFAULT 0")
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB exposes the underlying handle for callers (e.g. the reaper and
// housekeeping jobs) that need a transaction spanning more than one of the
// named operations below.
func (s *Store) DB() *sql.DB { return s.db }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool { return i != 0 }
