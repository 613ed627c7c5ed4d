package store

import (
	"database/sql"
	"errors"
	"fmt"

	"tacit/internal/ids"
)

// Consent is the user's opt-in record for sharing learnings. The dialog
// text is stored only as its SHA-256; the user agent only as a salted hash.
type Consent struct {
	ID                     string
	GivenAt                string
	WithdrawnAt            string // empty when active
	Version                string
	TextHash               string
	ShareEnabled           bool
	ManualApprovalRequired bool
	Attribution            string // anonymous | pseudonymous | attributed
	AgeConfirmed           bool
	UserAgentHash          string
	RetentionExpiresAt     string
}

// RecordConsent inserts a consent row. Consent is created by user action
// outside the core; the store only persists and reads it.
func (s *Store) RecordConsent(c *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = ids.New()
	}
	if c.GivenAt == "" {
		c.GivenAt = Now()
	}
	if c.Attribution == "" {
		c.Attribution = "anonymous"
	}
	_, err := s.db.Exec(
		`INSERT INTO consent
			(id, given_at, withdrawn_at, version, text_hash, share_enabled,
			 manual_approval_required, attribution, age_confirmed, user_agent_hash, retention_expires_at)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
		c.ID, c.GivenAt, c.WithdrawnAt, c.Version, c.TextHash,
		boolInt(c.ShareEnabled), boolInt(c.ManualApprovalRequired),
		c.Attribution, boolInt(c.AgeConfirmed), c.UserAgentHash, c.RetentionExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: record consent: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// WithdrawConsent stamps the active consent record as withdrawn.
func (s *Store) WithdrawConsent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE consent SET withdrawn_at = ? WHERE withdrawn_at IS NULL", Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: withdraw consent: %v", ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveConsent returns the newest non-withdrawn, non-expired consent, or
// ErrNotFound when none exists.
func (s *Store) ActiveConsent() (*Consent, error) {
	var c Consent
	var withdrawn, retention sql.NullString
	var share, manual, age int
	err := s.db.QueryRow(
		`SELECT id, given_at, withdrawn_at, version, text_hash, share_enabled,
			manual_approval_required, attribution, age_confirmed, user_agent_hash, retention_expires_at
		 FROM consent
		 WHERE withdrawn_at IS NULL
			AND (retention_expires_at IS NULL OR retention_expires_at > ?)
		 ORDER BY given_at DESC LIMIT 1`,
		Now(),
	).Scan(&c.ID, &c.GivenAt, &withdrawn, &c.Version, &c.TextHash, &share,
		&manual, &c.Attribution, &age, &c.UserAgentHash, &retention)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch consent: %w", err)
	}
	c.WithdrawnAt = withdrawn.String
	c.RetentionExpiresAt = retention.String
	c.ShareEnabled = share == 1
	c.ManualApprovalRequired = manual == 1
	c.AgeConfirmed = age == 1
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
