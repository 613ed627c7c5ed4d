package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"tacit/internal/ids"
)

// LearningCategories is the closed category set.
var LearningCategories = []string{
	"pattern", "best_practice", "anti_pattern", "bug_fix",
	"optimization", "tool_usage", "workflow", "decision",
}

// Learning is a distilled, reusable insight extracted from a sanitized
// conversation.
type Learning struct {
	ID                   string
	Category             string
	Title                string
	Content              string
	Tags                 []string
	Confidence           float64
	SourceConversationID string
	SanitizerVersion     int
	ExtractorVersion     int
	Embedding            []float32
	CreatedAt            string
}

// InsertLearning writes one learning in the caller's transaction.
func InsertLearning(tx *sql.Tx, l *Learning) error {
	if l.ID == "" {
		l.ID = ids.New()
	}
	if l.CreatedAt == "" {
		l.CreatedAt = Now()
	}
	tagsJSON, err := json.Marshal(l.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO learnings
			(id, category, title, content, tags, confidence, source_conversation_id,
			 sanitizer_version, extractor_version, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Category, l.Title, l.Content, string(tagsJSON), l.Confidence,
		l.SourceConversationID, l.SanitizerVersion, l.ExtractorVersion,
		encodeVector(l.Embedding), l.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert learning: %w", err)
	}
	return nil
}

const learningColumns = `id, category, title, content, tags, confidence,
	source_conversation_id, sanitizer_version, extractor_version, embedding, created_at`

func scanLearning(row interface{ Scan(...any) error }) (*Learning, error) {
	var l Learning
	var tagsJSON string
	var blob []byte
	err := row.Scan(&l.ID, &l.Category, &l.Title, &l.Content, &tagsJSON, &l.Confidence,
		&l.SourceConversationID, &l.SanitizerVersion, &l.ExtractorVersion, &blob, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &l.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	l.Embedding = decodeVector(blob)
	return &l, nil
}

// GetLearning fetches a learning by id.
func (s *Store) GetLearning(id string) (*Learning, error) {
	row := s.db.QueryRow("SELECT "+learningColumns+" FROM learnings WHERE id = ?", id)
	l, err := scanLearning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch learning: %w", err)
	}
	return l, nil
}

// ListLearnings returns learnings, newest first, optionally filtered by
// category. Learnings whose upload has a matching revocation are excluded.
func (s *Store) ListLearnings(category string, limit int) ([]*Learning, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + learningColumns + ` FROM learnings l
		WHERE NOT EXISTS (
			SELECT 1 FROM uploads u
			JOIN revocations r ON r.content_address = u.content_address
			WHERE u.learning_id = l.id
		)`
	args := []any{}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list learnings: %w", err)
	}
	defer rows.Close()

	var out []*Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan learning: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLearningEmbeddings returns (id, embedding) pairs for dedup checks.
func (s *Store) ListLearningEmbeddings() (map[string][]float32, error) {
	rows, err := s.db.Query("SELECT id, embedding FROM learnings WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if vec := decodeVector(blob); len(vec) > 0 {
			out[id] = vec
		}
	}
	return out, rows.Err()
}

// RecordLearningRejection logs why a candidate was dropped. The original
// learning is never cited.
func RecordLearningRejection(tx *sql.Tx, conversationID, reason string, similarity float64) error {
	if _, err := tx.Exec(
		"INSERT INTO learning_rejections (id, source_conversation_id, reason, similarity, created_at) VALUES (?, ?, ?, ?, ?)",
		ids.New(), conversationID, reason, similarity, Now(),
	); err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

// encodeVector packs a float32 slice little-endian for BLOB storage.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
