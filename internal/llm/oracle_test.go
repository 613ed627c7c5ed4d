package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tacit/internal/store"
)

type fakeOracle struct {
	responses []func() (*Response, error)
	calls     int
}

func (f *fakeOracle) Model() string { return "fake" }

func (f *fakeOracle) Generate(ctx context.Context, req Request) (*Response, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx]()
}

func fastReliable(inner Oracle) *ReliableOracle {
	o := NewReliableOracle(inner)
	o.delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return o
}

func ok(text string) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{Text: text, InputTokens: 10, OutputTokens: 5}, nil
	}
}

func fail(err error) func() (*Response, error) {
	return func() (*Response, error) { return nil, err }
}

func TestReliableOraclePassthrough(t *testing.T) {
	inner := &fakeOracle{responses: []func() (*Response, error){ok("hello")}}
	o := fastReliable(inner)

	resp, err := o.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, int64(10), resp.InputTokens)
	assert.Equal(t, 1, inner.calls)
}

func TestReliableOracleRetriesTransientFailures(t *testing.T) {
	inner := &fakeOracle{responses: []func() (*Response, error){
		fail(errors.New("503")),
		fail(errors.New("503")),
		ok("recovered"),
	}}
	o := fastReliable(inner)

	resp, err := o.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 3, inner.calls)
}

func TestReliableOracleExhaustionIsTimeout(t *testing.T) {
	inner := &fakeOracle{responses: []func() (*Response, error){fail(errors.New("boom"))}}
	o := fastReliable(inner)

	_, err := o.Generate(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, store.ErrOracleTimeout)
	assert.Equal(t, maxAttempts, inner.calls)
}

func TestReliableOracleInvalidResponseSurfaces(t *testing.T) {
	inner := &fakeOracle{responses: []func() (*Response, error){
		fail(store.ErrOracleInvalid),
	}}
	o := fastReliable(inner)

	_, err := o.Generate(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, store.ErrOracleInvalid)
}

func TestReliableOracleBreakerOpens(t *testing.T) {
	inner := &fakeOracle{responses: []func() (*Response, error){fail(errors.New("down"))}}
	o := fastReliable(inner)
	ctx := context.Background()

	// Two full generate cycles burn through enough consecutive failures
	// to trip the breaker (threshold 5).
	_, err := o.Generate(ctx, Request{Prompt: "a"})
	require.Error(t, err)
	_, err = o.Generate(ctx, Request{Prompt: "b"})
	require.ErrorIs(t, err, store.ErrOracleTimeout)

	callsBefore := inner.calls
	_, err = o.Generate(ctx, Request{Prompt: "c"})
	assert.ErrorIs(t, err, store.ErrOracleTimeout)
	assert.Equal(t, callsBefore, inner.calls, "open breaker must not reach the provider")
}

func TestReliableOracleHonorsCancelledContext(t *testing.T) {
	inner := &fakeOracle{responses: []func() (*Response, error){fail(errors.New("slow"))}}
	o := fastReliable(inner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Generate(ctx, Request{Prompt: "hi"})
	assert.ErrorIs(t, err, store.ErrOracleTimeout)
	assert.LessOrEqual(t, inner.calls, 1)
}

func TestModelPassthrough(t *testing.T) {
	o := fastReliable(&fakeOracle{responses: []func() (*Response, error){ok("x")}})
	assert.Equal(t, "fake", o.Model())
}
