package ai

import (
	"context"
	"math"
)

// Embedder produces vector embeddings for text. Implementations wrap an
// external model service and are expected to be safe for concurrent use.
//
// Embeddings feed two consumers: the similarity strategy during identity
// resolution and the vector projection of the cross-modal store. The
// extraction model itself is not part of this system; only embedding
// generation is.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error)
}

// MeteredEmbedder is an Embedder that accumulates usage counters across
// calls. The worker reads and resets them after each processed message.
type MeteredEmbedder interface {
	Embedder
	GetMetrics() ModelMetrics
	ResetMetrics()
}

// ModelMetrics contains usage counters from embedding operations.
type ModelMetrics struct {
	InputTokens int   `json:"input_tokens"`
	TotalTokens int   `json:"total_tokens"`
	DurationMs  int64 `json:"duration_ms"`
}

// CosineSimilarity computes the cosine similarity of two embeddings.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
