// Package hook is the synchronous capture path. The assistant runtime
// invokes it once per message with a JSON event on stdin; it sanitizes,
// persists, enqueues follow-up jobs, and acknowledges, all inside a
// hard wall-clock deadline. It never blocks the conversation: every
// failure mode drops the event and still acknowledges.
package hook

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"time"

	"tacit/internal/config"
	"tacit/internal/queue"
	"tacit/internal/sanitize"
	"tacit/internal/store"
	"tacit/internal/telemetry"
)

// Event is the envelope the runtime sends. Unknown fields are carried
// through parsing untouched and never logged, so a newer runtime can
// send more than we understand without leaking it.
type Event struct {
	Type       string `json:"type"`
	SessionKey string `json:"session_id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	// Timestamp is the host's clock, informational only. Stored rows
	// are stamped from the store's clock at insert.
	Timestamp string `json:"timestamp"`

	extra map[string]json.RawMessage
}

// EventTypeMessage is the only variant the hook persists today. Other
// types acknowledge and drop.
const EventTypeMessage = "message"

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(key string, dst *string) {
		if v, ok := raw[key]; ok {
			if json.Unmarshal(v, dst) == nil {
				delete(raw, key)
			}
		}
	}
	take("type", &e.Type)
	take("session_id", &e.SessionKey)
	take("role", &e.Role)
	take("timestamp", &e.Timestamp)
	// Host versions disagree on the text field name.
	take("content", &e.Content)
	if e.Content == "" {
		take("prompt", &e.Content)
	}
	if e.Content == "" {
		take("response", &e.Content)
	}
	e.extra = raw
	return nil
}

// Ack is the reply written to stdout. Always "ok": the hook's contract
// is that the assistant never waits on or learns from capture failures.
type Ack struct {
	OK bool `json:"ok"`
}

// Outcome summarizes one invocation for the caller's telemetry.
type Outcome struct {
	Stored        bool
	Dropped       bool
	DropReason    string
	MessageID     string
	CorrelationID string
	Detections    int
	Duration      time.Duration
}

// Hook wires the capture pipeline.
type Hook struct {
	cfg       config.Config
	store     *store.Store
	sanitizer *sanitize.Sanitizer
	tel       *telemetry.Logger
	metrics   *telemetry.Metrics
}

func New(cfg config.Config, s *store.Store, san *sanitize.Sanitizer, tel *telemetry.Logger, metrics *telemetry.Metrics) *Hook {
	return &Hook{cfg: cfg, store: s, sanitizer: san, tel: tel, metrics: metrics}
}

// Process runs one invocation: read, parse, sanitize, persist, ack.
// The returned Outcome is informational; the ack on w is the contract.
func (h *Hook) Process(ctx context.Context, r io.Reader, w io.Writer) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.cfg.HookDeadline())
	defer cancel()

	ctx, correlationID := telemetry.NewCorrelation(ctx)
	outcome := h.process(ctx, r)
	outcome.CorrelationID = correlationID
	outcome.Duration = time.Since(start)

	if h.metrics != nil {
		h.metrics.Observe("hook", outcome.Duration)
	}
	switch {
	case outcome.Stored:
		h.tel.Info(ctx, "hook_complete", map[string]any{
			"duration_ms": outcome.Duration.Milliseconds(),
			"message_id":  outcome.MessageID,
			"detections":  outcome.Detections,
		})
	case outcome.Dropped:
		h.tel.Warn(ctx, "hook_dropped", map[string]any{
			"duration_ms": outcome.Duration.Milliseconds(),
			"reason":      outcome.DropReason,
		})
	}

	// The ack goes out no matter what happened above.
	json.NewEncoder(w).Encode(Ack{OK: true})
	return outcome
}

func (h *Hook) process(ctx context.Context, r io.Reader) Outcome {
	// READ, with the size cap enforced before any allocation grows.
	limit := int64(h.cfg.Hook.MaxEventBytes)
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Outcome{Dropped: true, DropReason: "read_failed"}
	}
	if int64(len(data)) > limit {
		return Outcome{Dropped: true, DropReason: "too_large"}
	}

	// PARSE.
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Outcome{Dropped: true, DropReason: "malformed"}
	}
	if event.Type != EventTypeMessage {
		return Outcome{Dropped: true, DropReason: "unhandled_type"}
	}
	if event.Content == "" || event.SessionKey == "" {
		return Outcome{Dropped: true, DropReason: "missing_fields"}
	}
	if event.Role != store.RoleUser && event.Role != store.RoleAssistant {
		return Outcome{Dropped: true, DropReason: "unknown_role"}
	}

	sessionKey := event.SessionKey
	if h.cfg.Hook.Pseudonymize {
		sessionKey = pseudonym(sessionKey)
	}

	// SANITIZE. Raw content exists only in this frame from here on.
	result := h.sanitizer.Sanitize(event.Content)
	if result.Degraded {
		h.tel.Warn(ctx, "sanitizer_degraded", map[string]any{
			"detections": len(result.Detections),
		})
	}

	// PERSIST: conversation, message, audit log, and follow-up jobs
	// commit or vanish together.
	var messageID string
	err = h.store.WriteTx(ctx, func(tx *sql.Tx) error {
		convID, err := store.UpsertConversation(tx, sessionKey)
		if err != nil {
			return err
		}
		msg, err := store.InsertMessage(tx, convID, event.Role, result.Text, sanitize.DetectorVersion)
		if err != nil {
			return err
		}
		messageID = msg.ID
		if len(result.Detections) > 0 {
			if err := store.AppendSanitizationLog(tx, msg.ID, store.StagePreSanitization, toStoreDetections(result.Detections)); err != nil {
				return err
			}
		}

		if _, err := queue.EnqueueTx(tx, &queue.Job{
			Type:           queue.TypeValidate,
			Payload:        jobPayload(msg.ID, convID),
			IdempotencyKey: "validate-" + msg.ID,
		}); err != nil {
			return err
		}
		if event.Role == store.RoleAssistant {
			if _, err := queue.EnqueueTx(tx, &queue.Job{
				Type:           queue.TypeLearn,
				Payload:        jobPayload(msg.ID, convID),
				IdempotencyKey: "learn-" + msg.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Spill nothing: a failed transaction means the event is gone,
		// which the contract prefers over blocking or storing raw text.
		reason := "store_unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "deadline"
		}
		return Outcome{Dropped: true, DropReason: reason}
	}

	return Outcome{Stored: true, MessageID: messageID, Detections: len(result.Detections)}
}

// pseudonym replaces a session key with a stable opaque alias. Purely
// in-memory; the original key is never persisted when enabled.
func pseudonym(key string) string {
	sum := sha256.Sum256([]byte("tacit-session:" + key))
	return "anon-" + hex.EncodeToString(sum[:8])
}

func jobPayload(messageID, conversationID string) string {
	b, _ := json.Marshal(map[string]string{
		"message_id":      messageID,
		"conversation_id": conversationID,
	})
	return string(b)
}

func toStoreDetections(ds []sanitize.Detection) []store.Detection {
	out := make([]store.Detection, len(ds))
	for i, d := range ds {
		out[i] = store.Detection{
			Category:        d.Category,
			Placeholder:     d.Placeholder,
			Start:           d.Start,
			End:             d.End,
			Confidence:      d.Confidence,
			Detector:        d.Detector,
			DetectorVersion: d.DetectorVersion,
		}
	}
	return out
}
