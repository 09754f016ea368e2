package openai

import (
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"github.com/sift-kg/sift/pkg/ai"
)

// OpenAIEmbedder implements ai.Embedder against an OpenAI-compatible
// embeddings endpoint.
type OpenAIEmbedder struct {
	embeddingModel string
	timeoutMin     int

	embeddingLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	EmbeddingClient *openai.Client
}

// NewOpenAIEmbedderParams defines the configuration for creating a new
// OpenAIEmbedder. EmbeddingURL may point at any OpenAI-compatible server.
type NewOpenAIEmbedderParams struct {
	EmbeddingModel string

	EmbeddingURL string
	EmbeddingKey string

	MaxConcurrentRequests int64
	TimeoutMinutes        int
}

// NewOpenAIEmbedder creates a new OpenAI-backed embedder.
func NewOpenAIEmbedder(params NewOpenAIEmbedderParams) *OpenAIEmbedder {
	opts := []option.RequestOption{}
	if params.EmbeddingURL != "" {
		opts = append(opts, option.WithBaseURL(params.EmbeddingURL))
	}
	if params.EmbeddingKey != "" {
		opts = append(opts, option.WithAPIKey(params.EmbeddingKey))
	}
	client := openai.NewClient(opts...)

	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	timeoutMin := params.TimeoutMinutes
	if timeoutMin <= 0 {
		timeoutMin = 5
	}

	return &OpenAIEmbedder{
		embeddingModel: params.EmbeddingModel,
		timeoutMin:     timeoutMin,

		embeddingLock: semaphore.NewWeighted(maxConcurrent),

		EmbeddingClient: &client,
	}
}

// GetMetrics returns the accumulated usage counters.
func (c *OpenAIEmbedder) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

// ResetMetrics clears the accumulated usage counters.
func (c *OpenAIEmbedder) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

func (c *OpenAIEmbedder) modifyMetrics(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.InputTokens += m.InputTokens
	c.metrics.TotalTokens += m.TotalTokens
	c.metrics.DurationMs += m.DurationMs
}
