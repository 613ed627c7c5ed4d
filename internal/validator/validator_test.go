package validator

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tacit/internal/budget"
	"tacit/internal/llm"
	"tacit/internal/queue"
	"tacit/internal/sanitize"
	"tacit/internal/store"
	"tacit/internal/telemetry"
	"tacit/internal/worker"
)

type scriptedOracle struct {
	responses []string
	errs      []error
	calls     int
}

func (o *scriptedOracle) Model() string { return "gemini-2.0-flash" }

func (o *scriptedOracle) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	idx := o.calls
	o.calls++
	if idx < len(o.errs) && o.errs[idx] != nil {
		return nil, o.errs[idx]
	}
	text := "[]"
	if idx < len(o.responses) {
		text = o.responses[idx]
	}
	return &llm.Response{Text: text, InputTokens: 100, OutputTokens: 20}, nil
}

func newTestValidator(t *testing.T, oracle llm.Oracle) (*Validator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tacit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureLedger(500, 10000, 25))

	pricing, err := budget.LoadPricing("", zap.NewNop())
	require.NoError(t, err)
	gov := budget.NewGovernor(s, pricing, zap.NewNop())

	tel := telemetry.NewLogger(zap.NewNop(), nil)
	t.Cleanup(func() { tel.Close() })

	return New(s, oracle, gov, tel, 1024), s
}

func seedMessage(t *testing.T, s *store.Store, content string) (*store.Message, *queue.Job) {
	t.Helper()
	var msg *store.Message
	err := s.WriteTx(context.Background(), func(tx *sql.Tx) error {
		convID, err := store.UpsertConversation(tx, "sess-v")
		if err != nil {
			return err
		}
		msg, err = store.InsertMessage(tx, convID, store.RoleUser, content, sanitize.DetectorVersion)
		return err
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
	})
	return msg, &queue.Job{ID: "job1", Type: queue.TypeValidate, Payload: string(payload)}
}

func findings(items ...finding) string {
	b, _ := json.Marshal(items)
	return string(b)
}

func TestHandleCleanMessageMarksValidated(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{"[]"}}
	v, s := newTestValidator(t, oracle)
	msg, job := seedMessage(t, s, "nothing sensitive here")

	require.NoError(t, v.Handle(context.Background(), job))
	assert.Equal(t, 1, oracle.calls)

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.AIValidated)
	assert.Equal(t, "nothing sensitive here", got.Content)
}

func TestHandleRedactsModelFindings(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{
		findings(finding{Text: "Jane Doe", Category: "PERSON_NAME", Confidence: 0.95}),
		"[]",
	}}
	v, s := newTestValidator(t, oracle)
	msg, job := seedMessage(t, s, "ask Jane Doe about the deploy")

	require.NoError(t, v.Handle(context.Background(), job))
	assert.Equal(t, 2, oracle.calls, "a productive pass is followed by a stability pass")

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "ask [REDACTED_PERSON_NAME] about the deploy", got.Content)
	assert.True(t, got.AIValidated)

	var dets []store.Detection
	require.NoError(t, json.Unmarshal([]byte(got.AIDetections), &dets))
	require.Len(t, dets, 1)
	assert.Equal(t, "ai_validation", dets[0].Detector)
	assert.Equal(t, dets[0].Placeholder, got.Content[dets[0].Start:dets[0].End])
}

func TestHandleLowConfidenceIgnored(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{
		findings(finding{Text: "deploy", Category: "SECRET", Confidence: 0.5}),
	}}
	v, s := newTestValidator(t, oracle)
	msg, job := seedMessage(t, s, "ship the deploy")

	require.NoError(t, v.Handle(context.Background(), job))
	got, _ := s.GetMessage(msg.ID)
	assert.Equal(t, "ship the deploy", got.Content)
	assert.True(t, got.AIValidated)
}

func TestHandleHallucinatedSubstringIgnored(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{
		findings(finding{Text: "not in the message", Category: "SECRET", Confidence: 0.99}),
	}}
	v, s := newTestValidator(t, oracle)
	msg, job := seedMessage(t, s, "plain text")

	require.NoError(t, v.Handle(context.Background(), job))
	got, _ := s.GetMessage(msg.ID)
	assert.Equal(t, "plain text", got.Content)
}

func TestHandleStabilizationCapped(t *testing.T) {
	// A pathological oracle that always finds the placeholder-adjacent
	// word must stop after the pass cap, not loop.
	oracle := &scriptedOracle{responses: []string{
		findings(finding{Text: "alpha", Category: "A", Confidence: 0.9}),
		findings(finding{Text: "beta", Category: "B", Confidence: 0.9}),
		findings(finding{Text: "gamma", Category: "C", Confidence: 0.9}),
		findings(finding{Text: "delta", Category: "D", Confidence: 0.9}),
	}}
	v, s := newTestValidator(t, oracle)
	msg, job := seedMessage(t, s, "alpha beta gamma delta")

	require.NoError(t, v.Handle(context.Background(), job))
	assert.Equal(t, maxPasses, oracle.calls)

	got, _ := s.GetMessage(msg.ID)
	assert.True(t, got.AIValidated)
	assert.Contains(t, got.Content, "delta", "the fourth pass never ran")
}

func TestHandleAlreadyValidatedIsNoOp(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{"[]"}}
	v, s := newTestValidator(t, oracle)
	msg, job := seedMessage(t, s, "once only")

	require.NoError(t, v.Handle(context.Background(), job))
	require.NoError(t, v.Handle(context.Background(), job))
	assert.Equal(t, 1, oracle.calls)

	got, _ := s.GetMessage(msg.ID)
	assert.True(t, got.AIValidated)
}

func TestHandleMissingMessageIsFatal(t *testing.T) {
	oracle := &scriptedOracle{}
	v, _ := newTestValidator(t, oracle)

	payload, _ := json.Marshal(map[string]string{
		"message_id":      "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"conversation_id": "01ARZ3NDEKTSV4RRFFQ69G5FAW",
	})
	err := v.Handle(context.Background(), &queue.Job{Payload: string(payload)})
	assert.ErrorIs(t, err, store.ErrFatal)
	assert.Zero(t, oracle.calls)
}

func TestHandleBadPayloadIsFatal(t *testing.T) {
	v, _ := newTestValidator(t, &scriptedOracle{})
	err := v.Handle(context.Background(), &queue.Job{Payload: "{oops"})
	assert.ErrorIs(t, err, store.ErrFatal)
}

func TestHandleBudgetExhaustedParksJob(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{"[]"}}
	v, s := newTestValidator(t, oracle)
	require.NoError(t, s.EnsureLedger(0, 0, 25))
	_, job := seedMessage(t, s, "text")

	err := v.Handle(context.Background(), job)
	var retry *worker.RetryAtError
	require.ErrorAs(t, err, &retry)
	assert.ErrorIs(t, retry.Err, store.ErrBudget)
	assert.Zero(t, oracle.calls, "no provider call without budget")
}

func TestHandleOracleErrorPropagates(t *testing.T) {
	oracle := &scriptedOracle{errs: []error{store.ErrOracleTimeout}}
	v, s := newTestValidator(t, oracle)
	msg, job := seedMessage(t, s, "text")

	err := v.Handle(context.Background(), job)
	assert.ErrorIs(t, err, store.ErrOracleTimeout)

	got, _ := s.GetMessage(msg.ID)
	assert.False(t, got.AIValidated, "failed validation leaves the message untouched")
}

func TestHandleGarbageOracleOutputIsInvalid(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{"sure! here are the findings:"}}
	v, s := newTestValidator(t, oracle)
	_, job := seedMessage(t, s, "text")

	err := v.Handle(context.Background(), job)
	assert.ErrorIs(t, err, store.ErrOracleInvalid)
}

func TestParseFindingsToleratesFences(t *testing.T) {
	out, err := parseFindings("```json\n[{\"text\":\"x1\",\"category\":\"C\",\"confidence\":0.9}]\n```")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "x1", out[0].Text)
}

func TestApplyFindingsLongestFirst(t *testing.T) {
	text, dets := applyFindings("call John Smith or John", []finding{
		{Text: "John", Category: "NAME", Confidence: 0.9},
		{Text: "John Smith", Category: "NAME", Confidence: 0.9},
	})
	assert.Equal(t, "call [REDACTED_NAME] or [REDACTED_NAME]", text)
	require.Len(t, dets, 2)
	for _, d := range dets {
		assert.Equal(t, d.Placeholder, text[d.Start:d.End])
	}
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, "PERSON_NAME", normalizeCategory("person name"))
	assert.Equal(t, "STREET_ADDRESS", normalizeCategory("street-address"))
	assert.Equal(t, sanitize.CategorySecret, normalizeCategory("!!!"))
	assert.Equal(t, sanitize.CategorySecret, normalizeCategory(""))
}
