package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"tacit/internal/ids"
)

// Sanitization stages.
const (
	StagePreSanitization = "pre_sanitization"
	StageAIValidation    = "ai_validation"
)

// SanitizationLogEntry is an immutable audit row. Detections never carry
// the original value.
type SanitizationLogEntry struct {
	ID         string
	MessageID  string
	Stage      string
	Detections []Detection
	CreatedAt  string
}

// AppendSanitizationLog writes one audit row in the caller's transaction.
func AppendSanitizationLog(tx *sql.Tx, messageID, stage string, detections []Detection) error {
	detJSON, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO sanitization_log (id, message_id, stage, detections, created_at) VALUES (?, ?, ?, ?, ?)",
		ids.New(), messageID, stage, string(detJSON), Now(),
	); err != nil {
		return fmt.Errorf("failed to append sanitization log: %w", err)
	}
	return nil
}

// ListSanitizationLog returns the audit trail for a message, oldest first.
func (s *Store) ListSanitizationLog(messageID string) ([]SanitizationLogEntry, error) {
	rows, err := s.db.Query(
		"SELECT id, message_id, stage, detections, created_at FROM sanitization_log WHERE message_id = ? ORDER BY id ASC",
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sanitization log: %w", err)
	}
	defer rows.Close()

	var out []SanitizationLogEntry
	for rows.Next() {
		var e SanitizationLogEntry
		var detJSON string
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Stage, &detJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sanitization log: %w", err)
		}
		if err := json.Unmarshal([]byte(detJSON), &e.Detections); err != nil {
			return nil, fmt.Errorf("failed to decode detections: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
