package openai

import (
	"testing"

	"github.com/sift-kg/sift/pkg/ai"
)

var _ ai.MeteredEmbedder = (*OpenAIEmbedder)(nil)

func TestMetricsAccumulateAndReset(t *testing.T) {
	embedder := NewOpenAIEmbedder(NewOpenAIEmbedderParams{
		EmbeddingModel: "text-embedding-3-small",
	})

	embedder.modifyMetrics(ai.ModelMetrics{InputTokens: 8, TotalTokens: 8, DurationMs: 90})

	metrics := embedder.GetMetrics()
	if metrics.InputTokens != 8 || metrics.TotalTokens != 8 || metrics.DurationMs != 90 {
		t.Fatalf("unexpected accumulated metrics: %+v", metrics)
	}

	embedder.ResetMetrics()
	if got := embedder.GetMetrics(); got != (ai.ModelMetrics{}) {
		t.Fatalf("expected zeroed metrics after reset, got %+v", got)
	}
}
