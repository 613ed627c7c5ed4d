// Package validator is the stage-2 pass: an external model re-reads
// each stored message and catches what the fast regex pass missed,
// mostly contextual identifiers (names, addresses, org-specific
// strings). It runs asynchronously off the job queue, gated by the
// budget governor, and writes back through the store's single
// validation path.
package validator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tacit/internal/budget"
	"tacit/internal/llm"
	"tacit/internal/queue"
	"tacit/internal/sanitize"
	"tacit/internal/store"
	"tacit/internal/telemetry"
	"tacit/internal/worker"
)

const (
	// maxPasses bounds the stabilization loop. One pass usually
	// suffices; two covers findings revealed by earlier redactions.
	maxPasses = 3

	// minConfidence drops low-certainty model findings rather than
	// over-redact.
	minConfidence = 0.80

	// minFindingLen guards against the model flagging single characters
	// or common words, which would shred the text.
	minFindingLen = 3
)

const systemPrompt = `You review text that already passed a regex-based PII scrub.
Identify remaining personal or secret information the regexes missed:
names of real people, physical addresses, organization-internal
identifiers, credentials in unusual formats.

Respond with a JSON array only, no prose. Each element:
{"text": "<exact substring to redact>", "category": "<UPPER_SNAKE label>", "confidence": <0..1>}

Rules:
- "text" must appear verbatim in the input.
- Never flag placeholders of the form [REDACTED_*].
- Never flag code keywords, common words, or public information.
- An empty array means the text is clean.`

// Validator handles validate jobs.
type Validator struct {
	store     *store.Store
	oracle    llm.Oracle
	governor  *budget.Governor
	tel       *telemetry.Logger
	maxOutput int32
}

func New(s *store.Store, oracle llm.Oracle, governor *budget.Governor, tel *telemetry.Logger, maxOutput int32) *Validator {
	if maxOutput <= 0 {
		maxOutput = 4096
	}
	return &Validator{store: s, oracle: oracle, governor: governor, tel: tel, maxOutput: maxOutput}
}

type payload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// finding is one model-reported redaction target.
type finding struct {
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Handle runs one validate job. Return values map onto queue outcomes:
// nil completes, ErrFatal dead-letters, RetryAtError parks until the
// budget resets, anything else requeues with backoff.
func (v *Validator) Handle(ctx context.Context, job *queue.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil || p.MessageID == "" {
		return fmt.Errorf("%w: bad validate payload: %v", store.ErrFatal, err)
	}

	msg, err := v.store.GetMessage(p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		// The conversation was deleted while the job waited.
		return fmt.Errorf("%w: message %s is gone", store.ErrFatal, p.MessageID)
	}
	if err != nil {
		return err
	}
	if msg.AIValidated {
		return nil
	}

	content := msg.Content
	var detections []store.Detection

	for pass := 1; pass <= maxPasses; pass++ {
		found, next, dets, err := v.runPass(ctx, p.MessageID, pass, content, detections)
		if err != nil {
			return err
		}
		content, detections = next, dets
		if !found {
			break
		}
	}

	err = v.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.ApplyAIValidation(tx, p.MessageID, content, detections, sanitize.DetectorVersion)
	})
	if err != nil {
		return err
	}

	v.tel.Info(ctx, "validation_applied", map[string]any{
		"message_id": p.MessageID,
		"detections": len(detections),
	})
	return nil
}

// runPass makes one oracle call and applies its findings. Returns
// whether anything new was redacted, plus the updated content and the
// detection list shifted to stay valid in the new content.
func (v *Validator) runPass(ctx context.Context, messageID string, pass int, content string, detections []store.Detection) (bool, string, []store.Detection, error) {
	prompt := "Text to review:\n\n" + content
	estIn := int64(len(systemPrompt)+len(prompt))/4 + 16

	// A settled reservation means a previous run already paid for this
	// pass; the call reruns and Reconcile no-ops.
	key := fmt.Sprintf("validate-%s-p%d", messageID, pass)
	_, err := v.governor.Reserve(ctx, "validate", v.oracle.Model(), key, telemetry.CorrelationFrom(ctx), estIn, int64(v.maxOutput))
	if errors.Is(err, store.ErrBudget) {
		return false, content, detections, worker.RetryAt(err, budget.NextDailyReset(time.Now()))
	}
	if err != nil {
		return false, content, detections, err
	}

	start := time.Now()
	resp, callErr := v.oracle.Generate(ctx, llm.Request{
		System:          systemPrompt,
		Prompt:          prompt,
		Temperature:     0,
		MaxOutputTokens: v.maxOutput,
	})

	var in, out int64
	if resp != nil {
		in, out = resp.InputTokens, resp.OutputTokens
	}
	if rerr := v.governor.Reconcile(ctx, key, in, out, callErr); rerr != nil {
		return false, content, detections, rerr
	}
	if callErr != nil {
		return false, content, detections, callErr
	}

	v.tel.Info(ctx, "oracle_call", map[string]any{
		"operation":   "validate",
		"model":       v.oracle.Model(),
		"tokens_in":   in,
		"tokens_out":  out,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	findings, err := parseFindings(resp.Text)
	if err != nil {
		// Malformed output retries through the queue; the model often
		// recovers on a fresh call.
		return false, content, detections, fmt.Errorf("%w: %v", store.ErrOracleInvalid, err)
	}

	next, added := applyFindings(content, findings)
	if len(added) == 0 {
		return false, content, detections, nil
	}
	return true, next, append(shiftForEdits(detections, content, next, added), added...), nil
}

// parseFindings extracts the JSON array from model output, tolerating
// markdown fences around it.
func parseFindings(text string) ([]finding, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "["); i >= 0 {
		if j := strings.LastIndex(text, "]"); j > i {
			text = text[i : j+1]
		}
	}
	var out []finding
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("response is not a findings array: %w", err)
	}
	return out, nil
}

// applyFindings replaces each accepted finding everywhere it occurs.
// Positions in the returned detections are valid in the returned text.
func applyFindings(content string, findings []finding) (string, []store.Detection) {
	accepted := findings[:0]
	for _, f := range findings {
		if f.Confidence < minConfidence || len(f.Text) < minFindingLen {
			continue
		}
		if strings.Contains(f.Text, "[REDACTED_") {
			continue
		}
		if !strings.Contains(content, f.Text) {
			continue // hallucinated substring
		}
		accepted = append(accepted, f)
	}
	// Longest first so a finding that contains another is redacted whole.
	sort.SliceStable(accepted, func(i, j int) bool {
		return len(accepted[i].Text) > len(accepted[j].Text)
	})

	var detections []store.Detection
	for _, f := range accepted {
		placeholder := sanitize.Placeholder(normalizeCategory(f.Category))
		// The cursor skips past each inserted placeholder so a finding
		// that happens to be a substring of it cannot match again.
		from := 0
		for {
			rel := strings.Index(content[from:], f.Text)
			if rel < 0 {
				break
			}
			idx := from + rel
			content = content[:idx] + placeholder + content[idx+len(f.Text):]
			from = idx + len(placeholder)
			delta := len(placeholder) - len(f.Text)
			for i := range detections {
				if detections[i].Start >= idx {
					detections[i].Start += delta
					detections[i].End += delta
				}
			}
			detections = append(detections, store.Detection{
				Category:        normalizeCategory(f.Category),
				Placeholder:     placeholder,
				Start:           idx,
				End:             idx + len(placeholder),
				Confidence:      f.Confidence,
				Detector:        "ai_validation",
				DetectorVersion: sanitize.DetectorVersion,
			})
		}
	}
	return content, detections
}

// shiftForEdits repositions earlier-pass detections after this pass's
// replacements. A prior placeholder either survives verbatim (we find it
// again) or the detection is dropped as stale.
func shiftForEdits(prior []store.Detection, _, next string, _ []store.Detection) []store.Detection {
	if len(prior) == 0 {
		return nil
	}
	kept := make([]store.Detection, 0, len(prior))
	searchFrom := 0
	for _, d := range prior {
		idx := strings.Index(next[searchFrom:], d.Placeholder)
		if idx < 0 {
			continue
		}
		start := searchFrom + idx
		d.Start = start
		d.End = start + len(d.Placeholder)
		searchFrom = d.End
		kept = append(kept, d)
	}
	return kept
}

// normalizeCategory maps model output onto placeholder-safe labels.
func normalizeCategory(cat string) string {
	cat = strings.ToUpper(strings.TrimSpace(cat))
	var b strings.Builder
	for _, r := range cat {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-':
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || len(out) > 40 {
		return sanitize.CategorySecret
	}
	return out
}
