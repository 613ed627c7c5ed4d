package store

import (
	"database/sql"
	"fmt"

	"tacit/internal/ids"
)

// Upload records a learning pushed to the decentralized store.
type Upload struct {
	ID             string
	LearningID     string
	ContentAddress string
	AnchorTx       string
	UploadedAt     string
}

// Revocation is a logical deletion marker; queries exclude any content
// with a matching revocation.
type Revocation struct {
	ID             string
	ContentAddress string
	Reason         string
	RevokedAt      string
}

// InsertUpload records an upload in the caller's transaction.
func InsertUpload(tx *sql.Tx, u *Upload) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.UploadedAt == "" {
		u.UploadedAt = Now()
	}
	if _, err := tx.Exec(
		"INSERT INTO uploads (id, learning_id, content_address, anchor_tx, uploaded_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.LearningID, u.ContentAddress, u.AnchorTx, u.UploadedAt,
	); err != nil {
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

// GetUploadByLearning returns the upload record for a learning, if any.
func (s *Store) GetUploadByLearning(learningID string) (*Upload, error) {
	var u Upload
	err := s.db.QueryRow(
		"SELECT id, learning_id, content_address, anchor_tx, uploaded_at FROM uploads WHERE learning_id = ? LIMIT 1",
		learningID,
	).Scan(&u.ID, &u.LearningID, &u.ContentAddress, &u.AnchorTx, &u.UploadedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch upload: %w", err)
	}
	return &u, nil
}

// Revoke records a logical deletion marker for a content address.
// Best-effort with respect to the published copy, by contract.
func (s *Store) Revoke(contentAddress, reason string) (*Revocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Revocation{
		ID:             ids.New(),
		ContentAddress: contentAddress,
		Reason:         reason,
		RevokedAt:      Now(),
	}
	if _, err := s.db.Exec(
		"INSERT INTO revocations (id, content_address, reason, revoked_at) VALUES (?, ?, ?, ?)",
		r.ID, r.ContentAddress, r.Reason, r.RevokedAt,
	); err != nil {
		return nil, fmt.Errorf("%w: revoke: %v", ErrStoreUnavailable, err)
	}
	return r, nil
}

// IsRevoked reports whether a content address has a revocation marker.
func (s *Store) IsRevoked(contentAddress string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM revocations WHERE content_address = ?", contentAddress,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}
