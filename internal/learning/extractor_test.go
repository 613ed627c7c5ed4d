package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tacit/internal/budget"
	"tacit/internal/embedding"
	"tacit/internal/llm"
	"tacit/internal/queue"
	"tacit/internal/sanitize"
	"tacit/internal/store"
	"tacit/internal/telemetry"
	"tacit/internal/worker"
)

type scriptedOracle struct {
	response string
	err      error
	calls    int
}

func (o *scriptedOracle) Model() string { return "gemini-2.0-flash" }

func (o *scriptedOracle) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return &llm.Response{Text: o.response, InputTokens: 200, OutputTokens: 80}, nil
}

func newTestExtractor(t *testing.T, oracle llm.Oracle) (*Extractor, *store.Store) {
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

	return New(s, oracle, embedding.LocalEngine{}, gov, tel), s
}

// richMessage passes the pre-filter: long enough and carries a cue.
var richMessage = "The root cause was a connection pool leak. " +
	strings.Repeat("Hold the pool reference in one place and close it on shutdown. ", 5)

func seedValidated(t *testing.T, s *store.Store, content string) (*store.Message, *queue.Job) {
	t.Helper()
	var msg *store.Message
	err := s.WriteTx(context.Background(), func(tx *sql.Tx) error {
		convID, err := store.UpsertConversation(tx, "sess-l")
		if err != nil {
			return err
		}
		msg, err = store.InsertMessage(tx, convID, store.RoleAssistant, content, sanitize.DetectorVersion)
		if err != nil {
			return err
		}
		return store.ApplyAIValidation(tx, msg.ID, content, nil, sanitize.DetectorVersion)
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
	})
	return msg, &queue.Job{Type: queue.TypeLearn, Payload: string(payload)}
}

func extraction(c candidate) string {
	b, _ := json.Marshal(c)
	return string(b)
}

func goodCandidate() candidate {
	return candidate{
		Found:      true,
		Category:   "bug_fix",
		Title:      "Close connection pools on shutdown",
		Content:    strings.Repeat("Keep a single owner for the connection pool and close it during shutdown to avoid leaking sockets. ", 2),
		Tags:       []string{"database", "lifecycle"},
		Confidence: 0.9,
	}
}

func TestHandleExtractsLearning(t *testing.T) {
	oracle := &scriptedOracle{response: extraction(goodCandidate())}
	e, s := newTestExtractor(t, oracle)
	_, job := seedValidated(t, s, richMessage)

	require.NoError(t, e.Handle(context.Background(), job))
	assert.Equal(t, 1, oracle.calls)

	got, err := s.ListLearnings("", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bug_fix", got[0].Category)
	assert.Equal(t, ExtractorVersion, got[0].ExtractorVersion)
	assert.NotEmpty(t, got[0].Embedding)
}

func TestHandleShortMessageSkipsModel(t *testing.T) {
	oracle := &scriptedOracle{}
	e, s := newTestExtractor(t, oracle)
	_, job := seedValidated(t, s, "thanks, that worked!")

	require.NoError(t, e.Handle(context.Background(), job))
	assert.Zero(t, oracle.calls)

	got, _ := s.ListLearnings("", 10)
	assert.Empty(t, got)
}

func TestHandleNoSignalSkipsModel(t *testing.T) {
	oracle := &scriptedOracle{}
	e, s := newTestExtractor(t, oracle)
	bland := strings.Repeat("here is a summary of what we discussed today in plain terms. ", 5)
	_, job := seedValidated(t, s, bland)

	require.NoError(t, e.Handle(context.Background(), job))
	assert.Zero(t, oracle.calls)
}

func TestHandleNothingFound(t *testing.T) {
	oracle := &scriptedOracle{response: `{"found": false}`}
	e, s := newTestExtractor(t, oracle)
	_, job := seedValidated(t, s, richMessage)

	require.NoError(t, e.Handle(context.Background(), job))
	got, _ := s.ListLearnings("", 10)
	assert.Empty(t, got)
}

func TestHandleLowConfidenceRejected(t *testing.T) {
	c := goodCandidate()
	c.Confidence = 0.4
	oracle := &scriptedOracle{response: extraction(c)}
	e, s := newTestExtractor(t, oracle)
	_, job := seedValidated(t, s, richMessage)

	require.NoError(t, e.Handle(context.Background(), job))
	got, _ := s.ListLearnings("", 10)
	assert.Empty(t, got)
}

func TestHandleUnknownCategoryRejected(t *testing.T) {
	c := goodCandidate()
	c.Category = "wisdom"
	oracle := &scriptedOracle{response: extraction(c)}
	e, s := newTestExtractor(t, oracle)
	_, job := seedValidated(t, s, richMessage)

	require.NoError(t, e.Handle(context.Background(), job))
	got, _ := s.ListLearnings("", 10)
	assert.Empty(t, got)
}

func TestHandleDuplicateRejected(t *testing.T) {
	oracle := &scriptedOracle{response: extraction(goodCandidate())}
	e, s := newTestExtractor(t, oracle)

	_, job1 := seedValidated(t, s, richMessage)
	require.NoError(t, e.Handle(context.Background(), job1))

	// Same extraction from a second message dedups against the first.
	_, job2 := seedValidated(t, s, richMessage+" again")
	require.NoError(t, e.Handle(context.Background(), job2))

	got, _ := s.ListLearnings("", 10)
	assert.Len(t, got, 1)

	var n int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM learning_rejections WHERE reason = 'duplicate'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestHandleUnvalidatedMessageWaits(t *testing.T) {
	oracle := &scriptedOracle{}
	e, s := newTestExtractor(t, oracle)

	var msg *store.Message
	err := s.WriteTx(context.Background(), func(tx *sql.Tx) error {
		convID, err := store.UpsertConversation(tx, "sess-l")
		if err != nil {
			return err
		}
		msg, err = store.InsertMessage(tx, convID, store.RoleAssistant, richMessage, sanitize.DetectorVersion)
		return err
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{
		"message_id": msg.ID, "conversation_id": msg.ConversationID,
	})
	herr := e.Handle(context.Background(), &queue.Job{Payload: string(payload)})

	var retry *worker.RetryAtError
	require.ErrorAs(t, herr, &retry)
	assert.Zero(t, oracle.calls)
}

func TestHandleUserMessageIsFatal(t *testing.T) {
	oracle := &scriptedOracle{}
	e, s := newTestExtractor(t, oracle)

	var msg *store.Message
	err := s.WriteTx(context.Background(), func(tx *sql.Tx) error {
		convID, err := store.UpsertConversation(tx, "sess-l")
		if err != nil {
			return err
		}
		msg, err = store.InsertMessage(tx, convID, store.RoleUser, richMessage, sanitize.DetectorVersion)
		return err
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{
		"message_id": msg.ID, "conversation_id": msg.ConversationID,
	})
	herr := e.Handle(context.Background(), &queue.Job{Payload: string(payload)})
	assert.ErrorIs(t, herr, store.ErrFatal)
}

func TestHandleGarbageOracleOutputIsInvalid(t *testing.T) {
	oracle := &scriptedOracle{response: "I could not find anything."}
	e, s := newTestExtractor(t, oracle)
	_, job := seedValidated(t, s, richMessage)

	err := e.Handle(context.Background(), job)
	assert.ErrorIs(t, err, store.ErrOracleInvalid)
}

func TestPrefilter(t *testing.T) {
	assert.Equal(t, "too_short", Prefilter("short"))
	assert.Equal(t, "no_signal", Prefilter(strings.Repeat("pleasant chat about nothing much at all today. ", 10)))
	assert.Empty(t, Prefilter(strings.Repeat("x", 200)+" the root cause was"))
	assert.Empty(t, Prefilter(strings.Repeat("x", 200)+"\n```go\ncode\n```"))
}

func TestParseCandidateToleratesFences(t *testing.T) {
	c, err := parseCandidate("```json\n{\"found\":true,\"confidence\":0.7}\n```")
	require.NoError(t, err)
	assert.True(t, c.Found)
}
