// Package publish pushes accepted learnings to the shared store. It is
// the only component that moves data off the machine, so every path
// through it re-checks consent and content policy; when in doubt it
// refuses, and refusals dead-letter rather than retry.
package publish

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tacit/internal/queue"
	"tacit/internal/sanitize"
	"tacit/internal/store"
	"tacit/internal/telemetry"
	"tacit/internal/worker"
)

// Uploader pushes one addressed payload to the shared store and returns
// the anchor transaction reference.
type Uploader interface {
	Upload(ctx context.Context, contentAddress string, payload []byte) (anchorTx string, err error)
}

// validationWait is how long a publish job parks while the source
// conversation still has messages awaiting stage-2 validation.
const validationWait = 5 * time.Minute

// Publisher handles publish jobs.
type Publisher struct {
	store     *store.Store
	uploader  Uploader
	sanitizer *sanitize.Sanitizer
	tel       *telemetry.Logger
}

func New(s *store.Store, uploader Uploader, san *sanitize.Sanitizer, tel *telemetry.Logger) *Publisher {
	return &Publisher{store: s, uploader: uploader, sanitizer: san, tel: tel}
}

type payload struct {
	LearningID string `json:"learning_id"`
}

// sharedLearning is the published wire form. Deliberately excludes the
// source conversation id and every local identifier except the learning
// content itself.
type sharedLearning struct {
	Category         string   `json:"category"`
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	Tags             []string `json:"tags,omitempty"`
	Confidence       float64  `json:"confidence"`
	SanitizerVersion int      `json:"sanitizer_version"`
	ExtractorVersion int      `json:"extractor_version"`
	Attribution      string   `json:"attribution"`
}

// Handle runs one publish job.
func (p *Publisher) Handle(ctx context.Context, job *queue.Job) error {
	var pl payload
	if err := json.Unmarshal([]byte(job.Payload), &pl); err != nil || pl.LearningID == "" {
		return fmt.Errorf("%w: bad publish payload: %v", store.ErrFatal, err)
	}

	consent, err := p.store.ActiveConsent()
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no active consent", store.ErrPolicyViolation)
	}
	if err != nil {
		return err
	}
	if !consent.ShareEnabled {
		return fmt.Errorf("%w: sharing disabled", store.ErrPolicyViolation)
	}

	l, err := p.store.GetLearning(pl.LearningID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: learning %s is gone", store.ErrFatal, pl.LearningID)
	}
	if err != nil {
		return err
	}

	// Idempotent: a crashed job whose upload landed completes cleanly.
	if _, err := p.store.GetUploadByLearning(l.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if n, err := p.store.CountUnvalidated(l.SourceConversationID); err != nil {
		return err
	} else if n > 0 {
		return worker.RetryAt(
			fmt.Errorf("%d source messages awaiting validation", n),
			time.Now().Add(validationWait),
		)
	}

	if reason := p.policyCheck(l); reason != "" {
		return fmt.Errorf("%w: %s", store.ErrPolicyViolation, reason)
	}

	body, err := json.Marshal(sharedLearning{
		Category:         l.Category,
		Title:            l.Title,
		Content:          l.Content,
		Tags:             l.Tags,
		Confidence:       l.Confidence,
		SanitizerVersion: l.SanitizerVersion,
		ExtractorVersion: l.ExtractorVersion,
		Attribution:      consent.Attribution,
	})
	if err != nil {
		return fmt.Errorf("%w: encode learning: %v", store.ErrFatal, err)
	}
	addr := ContentAddress(body)

	if revoked, err := p.store.IsRevoked(addr); err != nil {
		return err
	} else if revoked {
		p.tel.Info(ctx, "publish_skipped", map[string]any{
			"learning_id": l.ID,
			"reason":      "revoked",
		})
		return nil
	}

	anchorTx, err := p.uploader.Upload(ctx, addr, body)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	err = p.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.InsertUpload(tx, &store.Upload{
			LearningID:     l.ID,
			ContentAddress: addr,
			AnchorTx:       anchorTx,
		})
	})
	if err != nil {
		return err
	}

	p.tel.Info(ctx, "publish_uploaded", map[string]any{
		"learning_id": l.ID,
	})
	return nil
}

// policyCheck is the last gate before anything leaves the machine.
// Returns a reason string, or "" when the learning is publishable.
func (p *Publisher) policyCheck(l *store.Learning) string {
	combined := l.Title + "\n" + l.Content + "\n" + strings.Join(l.Tags, " ")
	if strings.Contains(combined, "[ERROR:") {
		return "contains error placeholder"
	}
	// The fast sanitizer must find nothing new; a hit means raw PII
	// slipped through extraction.
	if res := p.sanitizer.Sanitize(combined); len(res.Detections) > 0 {
		return fmt.Sprintf("sanitizer found %s", res.Detections[0].Category)
	}
	return ""
}

// ContentAddress derives the immutable address of a payload.
func ContentAddress(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
