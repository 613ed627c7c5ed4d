package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
)

// CurrentSchemaVersion tracks the installed schema. Each migration carries
// an up and a down statement pair and runs inside a transaction; re-running
// an applied migration is a no-op.
//
// v1: initial schema (all tables in schema.go)
// v2: learnings rejection log for dedup audit
const CurrentSchemaVersion = 2

type migration struct {
	Version     int
	Description string
	Up          []string
	Down        []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		// Tables are created by initSchema; v1 only records the baseline.
		Up:   nil,
		Down: nil,
	},
	{
		Version:     2,
		Description: "learning dedup rejection log",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS learning_rejections (
				id TEXT PRIMARY KEY,
				source_conversation_id TEXT NOT NULL,
				reason TEXT NOT NULL,
				similarity REAL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_learning_rejections_conversation
				ON learning_rejections(source_conversation_id)`,
		},
		Down: []string{
			`DROP TABLE IF EXISTS learning_rejections`,
		},
	},
}

func (s *Store) runMigrations() error {
	current, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("%w: database schema v%d is newer than supported v%d",
			ErrFatal, current, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration v%d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Up {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_versions (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, Now(), m.Description,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RollbackMigration reverses the newest applied migration. Operator tool;
// never invoked automatically.
func (s *Store) RollbackMigration() error {
	current, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}

	var target migration
	found := false
	for _, m := range migrations {
		if m.Version == current {
			target = m
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: unknown schema version %d", ErrFatal, current)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range target.Down {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("DELETE FROM schema_versions WHERE version = ?", target.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) schemaVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_versions").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// SchemaVersion reports the installed schema version.
func (s *Store) SchemaVersion() (int, error) {
	return s.schemaVersion()
}

// Backup copies the database file to dest with fsync. Callers should run
// it during low activity; WAL mode keeps readers unaffected.
func (s *Store) Backup(dest string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		return 0, fmt.Errorf("%w: checkpoint before backup: %v", ErrStoreUnavailable, err)
	}

	src, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("failed to copy database: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync backup: %w", err)
	}
	return n, nil
}
