// Package embedding produces vectors for learning deduplication. The
// GenAI engine is preferred; the local engine is a deterministic
// fallback so dedup still works offline, just with coarser similarity.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"google.golang.org/genai"
)

// Engine generates embeddings.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// GenAIEngine embeds through the Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

func NewGenAIEngine(ctx context.Context, apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEngine{client: client, model: model}, nil
}

func (e *GenAIEngine) Name() string { return "genai/" + e.model }

func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// localDim is the fallback vector width. Small enough to be cheap,
// wide enough that unrelated texts rarely collide.
const localDim = 256

// LocalEngine is a deterministic hashed bag-of-tokens embedder. It
// captures lexical overlap only, which is sufficient for near-duplicate
// rejection.
type LocalEngine struct{}

func (LocalEngine) Name() string { return "local" }

func (LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		addToken(vec, tok, 1)
		if i > 0 {
			addToken(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func addToken(vec []float32, tok string, weight float32) {
	h := fnv.New32a()
	h.Write([]byte(tok))
	sum := h.Sum32()
	bucket := sum % localDim
	// The next hash bit decides sign, keeping the expectation at zero.
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// Cosine returns the cosine similarity of two vectors, or 0 when either
// is empty or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MostSimilar scans candidates and returns the id and similarity of the
// closest vector. Brute force is fine at this scale; the learning corpus
// is thousands of rows, not millions.
func MostSimilar(query []float32, candidates map[string][]float32) (string, float64) {
	var bestID string
	best := -1.0
	for id, vec := range candidates {
		if sim := Cosine(query, vec); sim > best {
			best = sim
			bestID = id
		}
	}
	if bestID == "" {
		return "", 0
	}
	return bestID, best
}
