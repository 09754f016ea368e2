package resolve

import (
	"context"
	"strings"

	"github.com/sift-kg/sift/internal/util"
	"github.com/sift-kg/sift/pkg/ai"
	"github.com/sift-kg/sift/pkg/common"
)

// Similarity scores how likely a mention and an existing entity refer to
// the same real-world object, in [0,1]. The resolver treats the scoring
// function as a black box so deployments can swap in their own.
type Similarity interface {
	Score(ctx context.Context, m common.Mention, e common.Entity) (float64, error)
}

// SurfaceSimilarity is the default strategy. It blends normalized
// surface-form overlap with type compatibility, and mixes in embedding
// cosine distance when an embedder is configured.
type SurfaceSimilarity struct {
	// Embedder is optional; when nil only the lexical score is used.
	Embedder ai.Embedder

	// EmbeddingWeight is the share of the final score taken from the
	// embedding cosine; the remainder comes from the lexical score.
	// Defaults to 0.5 when an embedder is present.
	EmbeddingWeight float64
}

// Score computes the blended similarity of a mention against an entity.
func (s *SurfaceSimilarity) Score(ctx context.Context, m common.Mention, e common.Entity) (float64, error) {
	lexical := surfaceScore(m.Text, e.Name)
	lexical *= typeCompatibility(m.Type, e.Type)

	if s.Embedder == nil {
		return lexical, nil
	}

	weight := s.EmbeddingWeight
	if weight <= 0 || weight >= 1 {
		weight = 0.5
	}

	embeddings, err := s.Embedder.GenerateEmbeddings(ctx, [][]byte{[]byte(m.Text), []byte(e.Name)})
	if err != nil {
		return 0, err
	}
	cosine := ai.CosineSimilarity(embeddings[0], embeddings[1])
	if cosine < 0 {
		cosine = 0
	}

	return (1-weight)*lexical + weight*cosine, nil
}

// surfaceScore measures token overlap between two normalized surface
// forms. A single-letter token counts as matching a token it abbreviates
// ("t" matches "tim"), which is how initials in names line up.
func surfaceScore(a, b string) float64 {
	na := util.NormalizeSurface(a)
	nb := util.NormalizeSurface(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	tokensA := strings.Fields(na)
	tokensB := strings.Fields(nb)

	used := make([]bool, len(tokensB))
	matches := 0
	for _, ta := range tokensA {
		for j, tb := range tokensB {
			if used[j] {
				continue
			}
			if tokensMatch(ta, tb) {
				used[j] = true
				matches++
				break
			}
		}
	}

	return 2 * float64(matches) / float64(len(tokensA)+len(tokensB))
}

func tokensMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) == 1 && strings.HasPrefix(b, a) {
		return true
	}
	if len(b) == 1 && strings.HasPrefix(a, b) {
		return true
	}
	return false
}

// typeCompatibility dampens matches across conflicting extractor types.
// Unknown or missing types are treated as compatible.
func typeCompatibility(mentionType, entityType string) float64 {
	if mentionType == "" || entityType == "" {
		return 1
	}
	if strings.EqualFold(mentionType, entityType) {
		return 1
	}
	return 0.5
}
