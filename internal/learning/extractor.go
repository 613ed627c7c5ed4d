// Package learning distills reusable insights from validated assistant
// messages. A cheap lexical pre-filter keeps obvious chit-chat away
// from the model; survivors go through a temperature-zero extraction
// call, an acceptance gate, and an embedding-based near-duplicate
// check before anything lands in the learnings table.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tacit/internal/budget"
	"tacit/internal/embedding"
	"tacit/internal/llm"
	"tacit/internal/queue"
	"tacit/internal/store"
	"tacit/internal/telemetry"
	"tacit/internal/worker"
)

const (
	// ExtractorVersion stamps every learning so re-extraction after
	// prompt changes can target stale rows.
	ExtractorVersion = 2

	// minSourceLen is the shortest assistant message worth extracting
	// from. Below this there is no substance to distill.
	minSourceLen = 200

	// Acceptance gates on the model's own output.
	minConfidence = 0.60
	minContentLen = 100

	// dedupThreshold rejects a candidate whose embedding sits this
	// close to an existing learning.
	dedupThreshold = 0.85
)

const systemPrompt = `You extract one reusable engineering insight from an AI
assistant's message, if it contains one.

Respond with a JSON object only:
{"found": true/false, "category": "...", "title": "...", "content": "...",
 "tags": ["..."], "confidence": 0..1}

category must be one of: pattern, best_practice, anti_pattern, bug_fix,
optimization, tool_usage, workflow, decision.

content must stand alone: no references to "this conversation", no names,
no project-specific paths. State the insight so a stranger could apply it.
Set found=false when the message is conversational filler, a partial
answer, or too specific to generalize.`

// problemCues mark messages that likely contain a transferable fix or
// technique. Checked lowercase.
var problemCues = []string{
	"error", "fix", "bug", "instead of", "the problem", "root cause",
	"refactor", "performance", "deadlock", "race", "leak", "pattern",
	"avoid", "gotcha", "workaround", "solution",
}

// Extractor handles learn jobs.
type Extractor struct {
	store    *store.Store
	oracle   llm.Oracle
	engine   embedding.Engine
	governor *budget.Governor
	tel      *telemetry.Logger
}

func New(s *store.Store, oracle llm.Oracle, engine embedding.Engine, governor *budget.Governor, tel *telemetry.Logger) *Extractor {
	return &Extractor{store: s, oracle: oracle, engine: engine, governor: governor, tel: tel}
}

type payload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// candidate is the model's extraction output.
type candidate struct {
	Found      bool     `json:"found"`
	Category   string   `json:"category"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

// Handle runs one learn job.
func (e *Extractor) Handle(ctx context.Context, job *queue.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil || p.MessageID == "" {
		return fmt.Errorf("%w: bad learn payload: %v", store.ErrFatal, err)
	}

	msg, err := e.store.GetMessage(p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: message %s is gone", store.ErrFatal, p.MessageID)
	}
	if err != nil {
		return err
	}
	if msg.Role != store.RoleAssistant {
		return fmt.Errorf("%w: learn job on a %s message", store.ErrFatal, msg.Role)
	}
	if !msg.AIValidated {
		// Extraction reads text that will be shared; wait for stage 2.
		return worker.RetryAt(errors.New("message awaiting validation"), time.Now().Add(time.Minute))
	}

	if reason := Prefilter(msg.Content); reason != "" {
		return e.reject(ctx, p.ConversationID, reason, 0)
	}

	cand, err := e.extract(ctx, p.MessageID, msg.Content)
	if err != nil {
		return err
	}
	if reason := accept(cand); reason != "" {
		return e.reject(ctx, p.ConversationID, reason, 0)
	}

	vec, err := e.engine.Embed(ctx, cand.Content)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	existing, err := e.store.ListLearningEmbeddings()
	if err != nil {
		return err
	}
	if _, sim := embedding.MostSimilar(vec, existing); sim >= dedupThreshold {
		return e.reject(ctx, p.ConversationID, "duplicate", sim)
	}

	l := &store.Learning{
		Category:             cand.Category,
		Title:                cand.Title,
		Content:              cand.Content,
		Tags:                 cand.Tags,
		Confidence:           cand.Confidence,
		SourceConversationID: p.ConversationID,
		SanitizerVersion:     msg.SanitizationVersion,
		ExtractorVersion:     ExtractorVersion,
		Embedding:            vec,
	}
	err = e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.InsertLearning(tx, l)
	})
	if err != nil {
		return err
	}

	e.tel.Info(ctx, "learning_extracted", map[string]any{
		"learning_id":     l.ID,
		"category":        l.Category,
		"confidence":      l.Confidence,
		"conversation_id": p.ConversationID,
	})
	return nil
}

// Prefilter returns a rejection reason, or "" when the message deserves
// a model call. Exposed so operators can test why a message was skipped.
func Prefilter(content string) string {
	if len(content) < minSourceLen {
		return "too_short"
	}
	if strings.Contains(content, "```") {
		return ""
	}
	lower := strings.ToLower(content)
	for _, cue := range problemCues {
		if strings.Contains(lower, cue) {
			return ""
		}
	}
	return "no_signal"
}

// accept applies the gate on model output; "" means accepted.
func accept(c *candidate) string {
	if !c.Found {
		return "nothing_found"
	}
	if c.Confidence < minConfidence {
		return "low_confidence"
	}
	if len(c.Content) < minContentLen {
		return "content_too_thin"
	}
	for _, cat := range store.LearningCategories {
		if c.Category == cat {
			return ""
		}
	}
	return "unknown_category"
}

func (e *Extractor) extract(ctx context.Context, messageID, content string) (*candidate, error) {
	prompt := "Assistant message:\n\n" + content
	estIn := int64(len(systemPrompt)+len(prompt))/4 + 16

	key := "learn-" + messageID
	_, err := e.governor.Reserve(ctx, "learn", e.oracle.Model(), key, telemetry.CorrelationFrom(ctx), estIn, 1024)
	if errors.Is(err, store.ErrBudget) {
		return nil, worker.RetryAt(err, budget.NextDailyReset(time.Now()))
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, callErr := e.oracle.Generate(ctx, llm.Request{
		System:          systemPrompt,
		Prompt:          prompt,
		Temperature:     0,
		MaxOutputTokens: 1024,
	})
	var in, out int64
	if resp != nil {
		in, out = resp.InputTokens, resp.OutputTokens
	}
	if rerr := e.governor.Reconcile(ctx, key, in, out, callErr); rerr != nil {
		return nil, rerr
	}
	if callErr != nil {
		return nil, callErr
	}

	e.tel.Info(ctx, "oracle_call", map[string]any{
		"operation":   "learn",
		"model":       e.oracle.Model(),
		"tokens_in":   in,
		"tokens_out":  out,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	cand, err := parseCandidate(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrOracleInvalid, err)
	}
	return cand, nil
}

func parseCandidate(text string) (*candidate, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var c candidate
	if err := json.Unmarshal([]byte(text), &c); err != nil {
		return nil, fmt.Errorf("response is not an extraction object: %w", err)
	}
	return &c, nil
}

func (e *Extractor) reject(ctx context.Context, conversationID, reason string, similarity float64) error {
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.RecordLearningRejection(tx, conversationID, reason, similarity)
	})
	if err != nil {
		return err
	}
	fields := map[string]any{
		"conversation_id": conversationID,
		"reason":          reason,
	}
	if similarity > 0 {
		fields["similarity"] = similarity
	}
	e.tel.Info(ctx, "learning_rejected", fields)
	return nil
}
