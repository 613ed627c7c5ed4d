// Package llm abstracts the external model behind a small text oracle
// interface and layers reliability on top: per-attempt timeouts,
// exponential retry, and a circuit breaker so a degraded provider
// cannot stall the worker pool.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/genai"

	"tacit/internal/store"
)

// Request is one generation call. Temperature zero is deterministic
// extraction; MaxOutputTokens bounds spend.
type Request struct {
	System          string
	Prompt          string
	Temperature     float32
	MaxOutputTokens int32
}

// Response carries the generated text plus the token counts the budget
// governor reconciles against.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Oracle is the minimal surface the validator and extractor need.
type Oracle interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// GenAIOracle calls the Gemini API.
type GenAIOracle struct {
	client *genai.Client
	model  string
}

func NewGenAIOracle(ctx context.Context, apiKey, model string) (*GenAIOracle, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIOracle{client: client, model: model}, nil
}

func (o *GenAIOracle) Model() string { return o.model }

func (o *GenAIOracle) Generate(ctx context.Context, req Request) (*Response, error) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	result, err := o.client.Models.GenerateContent(ctx, o.model, genai.Text(req.Prompt), config)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", store.ErrOracleTimeout, err)
		}
		return nil, fmt.Errorf("generate failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", store.ErrOracleInvalid)
	}

	resp := &Response{Text: text}
	if result.UsageMetadata != nil {
		resp.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

const (
	attemptTimeout = 10 * time.Second
	maxAttempts    = 4
)

// retryDelays between attempts. The last attempt has no delay after it.
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// ReliableOracle wraps an Oracle with per-attempt timeouts, retry, and
// a circuit breaker. Invalid responses retry (models are flaky on
// format); breaker-open errors surface as oracle timeouts so jobs back
// off through the queue rather than hammering the provider.
type ReliableOracle struct {
	inner   Oracle
	breaker *gobreaker.CircuitBreaker
	delays  []time.Duration
}

func NewReliableOracle(inner Oracle) *ReliableOracle {
	return &ReliableOracle{
		inner:  inner,
		delays: retryDelays,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (o *ReliableOracle) Model() string { return o.inner.Model() }

func (o *ReliableOracle) Generate(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", store.ErrOracleTimeout, ctx.Err())
			case <-time.After(o.delays[attempt-1]):
			}
		}

		result, err := o.breaker.Execute(func() (any, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
			return o.inner.Generate(attemptCtx, req)
		})
		if err == nil {
			return result.(*Response), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", store.ErrOracleTimeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrOracleTimeout, ctx.Err())
		}
	}
	if errors.Is(lastErr, store.ErrOracleInvalid) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", store.ErrOracleTimeout, maxAttempts, lastErr)
}
