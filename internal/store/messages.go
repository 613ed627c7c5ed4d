package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tacit/internal/ids"
)

// Roles a message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one sanitized utterance. Content always passed through the
// fast sanitizer before insert; only the AI-validation fields mutate later.
type Message struct {
	ID                  string
	ConversationID      string
	Role                string // "user" or "assistant"
	Sequence            int
	Content             string
	PreSanitized        bool
	AIValidated         bool
	AIDetections        string // JSON array, empty when not yet validated
	SanitizationVersion int
	CreatedAt           string
}

// Detection records one redaction without the original value. Positions
// are relative to the sanitized output.
type Detection struct {
	Category        string  `json:"category"`
	Placeholder     string  `json:"placeholder"`
	Start           int     `json:"start"`
	End             int     `json:"end"`
	Confidence      float64 `json:"confidence,omitempty"`
	Detector        string  `json:"detector"`
	DetectorVersion int     `json:"detector_version"`
}

// InsertMessage writes one sanitized message, assigning the next sequence
// number within the conversation. Runs inside the caller's transaction so
// the sequence read and the insert are atomic.
func InsertMessage(tx *sql.Tx, conversationID, role, content string, sanitizationVersion int) (*Message, error) {
	var seq int
	err := tx.QueryRow(
		"SELECT 1 + COALESCE(MAX(sequence), 0) FROM messages WHERE conversation_id = ?",
		conversationID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("failed to assign sequence: %w", err)
	}

	m := &Message{
		ID:                  ids.New(),
		ConversationID:      conversationID,
		Role:                role,
		Sequence:            seq,
		Content:             content,
		PreSanitized:        true,
		SanitizationVersion: sanitizationVersion,
		CreatedAt:           Now(),
	}
	if _, err := tx.Exec(
		`INSERT INTO messages
			(id, conversation_id, role, sequence, content, pre_sanitized, ai_validated, sanitization_version, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Sequence, m.Content, m.SanitizationVersion, m.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}

const messageColumns = `id, conversation_id, role, sequence, content, pre_sanitized,
	ai_validated, COALESCE(ai_detections, ''), sanitization_version, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var pre, validated int
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Sequence, &m.Content,
		&pre, &validated, &m.AIDetections, &m.SanitizationVersion, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.PreSanitized = pre == 1
	m.AIValidated = validated == 1
	return &m, nil
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return m, nil
}

// ListConversationMessages returns all messages of a conversation in
// sequence order.
func (s *Store) ListConversationMessages(conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY sequence ASC",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountUnvalidated returns how many messages of a conversation still await
// stage-2 validation.
func (s *Store) CountUnvalidated(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND ai_validated = 0",
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unvalidated messages: %w", err)
	}
	return n, nil
}

// ApplyAIValidation atomically rewrites a message's content with the
// stage-2 result, marks it validated, and appends the audit row. The
// update trigger enforces that nothing else changes.
func ApplyAIValidation(tx *sql.Tx, messageID, newContent string, detections []Detection, sanitizationVersion int) error {
	detJSON, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}
	res, err := tx.Exec(
		`UPDATE messages
		 SET content = ?, ai_validated = 1, ai_detections = ?, sanitization_version = ?
		 WHERE id = ?`,
		newContent, string(detJSON), sanitizationVersion, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if len(detections) > 0 {
		if err := AppendSanitizationLog(tx, messageID, StageAIValidation, detections); err != nil {
			return err
		}
	}
	return nil
}
