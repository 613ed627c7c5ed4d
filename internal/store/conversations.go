package store

import (
	"database/sql"
	"errors"
	"fmt"

	"tacit/internal/ids"
)

// Conversation groups the messages of one host session.
type Conversation struct {
	ID         string
	SessionKey string
	CreatedAt  string
	UpdatedAt  string
}

// UpsertConversation returns the conversation id for a session key,
// creating the row on first contact. Runs inside the caller's transaction.
func UpsertConversation(tx *sql.Tx, sessionKey string) (string, error) {
	var id string
	err := tx.QueryRow("SELECT id FROM conversations WHERE session_key = ?", sessionKey).Scan(&id)
	if err == nil {
		if _, err := tx.Exec("UPDATE conversations SET updated_at = ? WHERE id = ?", Now(), id); err != nil {
			return "", fmt.Errorf("failed to touch conversation: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up conversation: %w", err)
	}

	id = ids.New()
	now := Now()
	if _, err := tx.Exec(
		"INSERT INTO conversations (id, session_key, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, sessionKey, now, now,
	); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(
		"SELECT id, session_key, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&c.ID, &c.SessionKey, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return &c, nil
}

// GetConversationBySession fetches a conversation by its session key.
func (s *Store) GetConversationBySession(sessionKey string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(
		"SELECT id, session_key, created_at, updated_at FROM conversations WHERE session_key = ?", sessionKey,
	).Scan(&c.ID, &c.SessionKey, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return &c, nil
}

// DeleteConversation removes a conversation and, via foreign keys, its
// messages, sanitization log rows, and learnings. Explicit user action only.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: delete conversation: %v", ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
