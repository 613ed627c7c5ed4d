// Package telemetry is the observability layer: structured, allowlisted
// events that are safe by construction. Event names and field keys come
// from a closed registry; free-form strings never reach the log store,
// so telemetry cannot leak what the sanitizer removed.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"tacit/internal/store"
)

// eventSchema lists the metadata one event may carry. Field values are
// numbers, enum strings, or ULIDs; never message content.
type eventSchema struct {
	required []string
	optional []string
}

func (s eventSchema) allows(key string) bool {
	for _, k := range s.required {
		if k == key {
			return true
		}
	}
	for _, k := range s.optional {
		if k == key {
			return true
		}
	}
	return false
}

// Registered events. Adding an event means adding its schema here.
var eventSchemas = map[string]eventSchema{
	"hook_received":        {optional: []string{"bytes"}},
	"hook_complete":        {required: []string{"duration_ms"}, optional: []string{"message_id", "detections"}},
	"hook_dropped":         {required: []string{"reason"}, optional: []string{"duration_ms"}},
	"sanitizer_degraded":   {optional: []string{"detections", "detector"}},
	"job_enqueued":         {required: []string{"job_type"}, optional: []string{"job_id", "priority"}},
	"job_claimed":          {required: []string{"job_type"}, optional: []string{"job_id", "attempts"}},
	"job_completed":        {required: []string{"job_id"}, optional: []string{"job_type", "duration_ms"}},
	"job_failed":           {required: []string{"job_id"}, optional: []string{"job_type", "attempts", "reason"}},
	"job_dead_letter":      {required: []string{"job_id"}, optional: []string{"job_type", "attempts"}},
	"lease_reaped":         {required: []string{"count"}},
	"oracle_call":          {required: []string{"operation", "model"}, optional: []string{"tokens_in", "tokens_out", "duration_ms"}},
	"validation_applied":   {required: []string{"message_id"}, optional: []string{"detections"}},
	"learning_extracted":   {required: []string{"learning_id", "category"}, optional: []string{"confidence", "conversation_id"}},
	"learning_rejected":    {required: []string{"reason"}, optional: []string{"conversation_id", "similarity"}},
	"publish_uploaded":     {required: []string{"learning_id"}},
	"publish_skipped":      {required: []string{"learning_id", "reason"}},
	"budget_threshold":     {required: []string{"percent"}, optional: []string{"cents"}},
	"budget_rejected":      {required: []string{"operation"}, optional: []string{"cents", "reason"}},
	"consent_changed":      {optional: []string{"version", "status"}},
	"revocation_recorded":  {optional: []string{"reason"}},
	"prune_complete":       {required: []string{"count"}},
	"backup_complete":      {optional: []string{"bytes"}},
	"log_schema_violation": {required: []string{"event"}, optional: []string{"reason"}},
}

const (
	flushInterval = 100 * time.Millisecond
	maxBuffered   = 512
)

// Logger fans events out to zap (for the console) and batches them into
// the store (for trace queries). Store writes are flushed on a short
// ticker so the hot path never blocks on SQLite.
type Logger struct {
	zap   *zap.Logger
	store *store.Store

	mu  sync.Mutex
	buf []store.LogRow

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewLogger builds a telemetry logger. The store may be nil (console
// only), which the hook uses before the store is open.
func NewLogger(z *zap.Logger, s *store.Store) *Logger {
	l := &Logger{
		zap:   z,
		store: s,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Event records one allowlisted event. Unknown event names and field
// keys are dropped, with a console-only notice naming only the key. A
// missing required field drops the log entirely and records a
// log_schema_violation in its place.
func (l *Logger) Event(ctx context.Context, level, event string, fields map[string]any) {
	sch, ok := eventSchemas[event]
	if !ok {
		l.zap.Warn("dropping unregistered telemetry event", zap.String("event", event))
		return
	}
	for _, req := range sch.required {
		if _, ok := fields[req]; !ok {
			l.zap.Warn("dropping telemetry event missing required field",
				zap.String("event", event), zap.String("field", req))
			l.Event(ctx, "warn", "log_schema_violation", map[string]any{
				"event":  event,
				"reason": "missing_required_field",
			})
			return
		}
	}

	clean := make(map[string]any, len(fields))
	zapFields := make([]zap.Field, 0, len(fields)+2)
	for k, v := range fields {
		if !sch.allows(k) {
			l.zap.Warn("dropping unregistered telemetry field",
				zap.String("event", event), zap.String("field", k))
			continue
		}
		clean[k] = v
		zapFields = append(zapFields, zap.Any(k, v))
	}

	correlationID := CorrelationFrom(ctx)
	spanID := SpanFrom(ctx)
	if correlationID != "" {
		zapFields = append(zapFields, zap.String("correlation_id", correlationID))
	}

	switch level {
	case "error":
		l.zap.Error(event, zapFields...)
	case "warn":
		l.zap.Warn(event, zapFields...)
	case "debug":
		l.zap.Debug(event, zapFields...)
	default:
		level = "info"
		l.zap.Info(event, zapFields...)
	}

	if l.store == nil {
		return
	}
	payload, err := json.Marshal(clean)
	if err != nil {
		payload = []byte("{}")
	}
	row := store.LogRow{
		Event:         event,
		Level:         level,
		CorrelationID: correlationID,
		SpanID:        spanID,
		Fields:        string(payload),
		CreatedAt:     store.Now(),
	}

	l.mu.Lock()
	l.buf = append(l.buf, row)
	full := len(l.buf) >= maxBuffered
	l.mu.Unlock()
	if full {
		l.Flush()
	}
}

// Info is shorthand for Event at info level.
func (l *Logger) Info(ctx context.Context, event string, fields map[string]any) {
	l.Event(ctx, "info", event, fields)
}

// Warn is shorthand for Event at warn level.
func (l *Logger) Warn(ctx context.Context, event string, fields map[string]any) {
	l.Event(ctx, "warn", event, fields)
}

// Error is shorthand for Event at error level.
func (l *Logger) Error(ctx context.Context, event string, fields map[string]any) {
	l.Event(ctx, "error", event, fields)
}

// Flush writes the buffered rows now. Called automatically on the
// ticker and on Close.
func (l *Logger) Flush() {
	if l.store == nil {
		return
	}
	l.mu.Lock()
	rows := l.buf
	l.buf = nil
	l.mu.Unlock()
	if len(rows) == 0 {
		return
	}
	if err := l.store.InsertLogBatch(rows); err != nil {
		l.zap.Warn("telemetry flush failed", zap.Int("rows", len(rows)), zap.Error(err))
	}
}

// Close stops the flush loop after a final flush.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.stop:
			l.Flush()
			return
		}
	}
}
