package ollama

import (
	"testing"

	"github.com/sift-kg/sift/pkg/ai"
)

var _ ai.MeteredEmbedder = (*OllamaEmbedder)(nil)

func TestMetricsAccumulateAndReset(t *testing.T) {
	embedder, err := NewOllamaEmbedder(NewOllamaEmbedderParams{
		EmbeddingModel: "nomic-embed-text",
	})
	if err != nil {
		t.Fatalf("failed to create embedder: %v", err)
	}

	embedder.modifyMetrics(ai.ModelMetrics{InputTokens: 10, TotalTokens: 10, DurationMs: 120})
	embedder.modifyMetrics(ai.ModelMetrics{InputTokens: 5, TotalTokens: 5, DurationMs: 30})

	metrics := embedder.GetMetrics()
	if metrics.InputTokens != 15 || metrics.TotalTokens != 15 || metrics.DurationMs != 150 {
		t.Fatalf("unexpected accumulated metrics: %+v", metrics)
	}

	embedder.ResetMetrics()
	if got := embedder.GetMetrics(); got != (ai.ModelMetrics{}) {
		t.Fatalf("expected zeroed metrics after reset, got %+v", got)
	}
}
