package store

import (
	"fmt"
)

// LogRow is one persisted telemetry event.
type LogRow struct {
	ID            int64
	Event         string
	Level         string
	CorrelationID string
	SpanID        string
	Fields        string // JSON object
	CreatedAt     string
}

// InsertLogBatch flushes a batch of telemetry rows in one transaction.
func (s *Store) InsertLogBatch(rows []LogRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: log batch begin: %v", ErrStoreUnavailable, err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO logs (event, level, correlation_id, span_id, fields, created_at) VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: log batch prepare: %v", ErrStoreUnavailable, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.CreatedAt == "" {
			r.CreatedAt = Now()
		}
		if _, err := stmt.Exec(r.Event, r.Level, r.CorrelationID, r.SpanID, r.Fields, r.CreatedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: log batch insert: %v", ErrStoreUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: log batch commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LogsByCorrelation returns all log rows for a correlation id, oldest
// first. Backs the trace CLI.
func (s *Store) LogsByCorrelation(correlationID string) ([]LogRow, error) {
	rows, err := s.db.Query(
		`SELECT id, event, level, COALESCE(correlation_id, ''), COALESCE(span_id, ''), fields, created_at
		 FROM logs WHERE correlation_id = ? ORDER BY id ASC`,
		correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.ID, &r.Event, &r.Level, &r.CorrelationID, &r.SpanID, &r.Fields, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneLogs deletes up to cap log rows older than before, returning the
// number removed. The cap keeps pruning transactions short.
func (s *Store) PruneLogs(before string, cap int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cap <= 0 {
		cap = 10000
	}
	res, err := s.db.Exec(
		"DELETE FROM logs WHERE id IN (SELECT id FROM logs WHERE created_at < ? LIMIT ?)",
		before, cap,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: prune logs: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
