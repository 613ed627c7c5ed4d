// Package store implements tacit's embedded SQLite persistence layer.
// It owns every entity: conversations, messages, the sanitization audit
// log, the job queue, the budget ledger, learnings, consent, uploads,
// revocations, and telemetry logs. All content columns hold sanitized
// text only; a pre-insert trigger rejects anything else.
package store

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
)

// TimeFormat is the ISO-8601 UTC layout used for every timestamp column.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Store wraps the SQLite database. Reads run concurrently; all writes are
// serialized through WriteTx, which holds the single-writer lock.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open initializes the store at path, creating the file with owner-only
// permissions and applying schema and pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// The database file holds sanitized but still private content.
	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created = true
	}

	// Pragmas ride on the DSN so every pooled connection gets them.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=cache_size(-65536)" + // 64 MiB page cache
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if created {
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to restrict database permissions: %w", err)
		}
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WriteTx runs fn inside a serialized write transaction. Sentinel errors
// returned by fn pass through unchanged; any infrastructure failure is
// wrapped as ErrStoreUnavailable.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if isSentinel(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func isSentinel(err error) bool {
	for _, sentinel := range []error{
		ErrNotFound, ErrInvalidTransition, ErrBudget,
		ErrPolicyViolation, ErrInputMalformed, ErrFatal,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Now returns the current UTC time formatted for storage.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// Stats returns per-table row counts for the operational CLI.
func (s *Store) Stats() (map[string]int64, error) {
	tables := []string{
		"conversations", "messages", "sanitization_log", "job_queue",
		"api_call", "learnings", "consent", "uploads", "revocations", "logs",
	}
	stats := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// Compact reclaims space after pruning. Safe to run opportunistically.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrStoreUnavailable, err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("%w: vacuum: %v", ErrStoreUnavailable, err)
	}
	return nil
}
