package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/sift-kg/sift/pkg/aggregate"
	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/resolve"
	"github.com/sift-kg/sift/pkg/store"
	"github.com/sift-kg/sift/pkg/store/memory"
)

type stubEmbedder struct{}

func (s *stubEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	vec := make([]float32, 4)
	for i, b := range input {
		vec[i%4] += float32(b)
	}
	return vec, nil
}

func (s *stubEmbedder) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		vec, err := s.GenerateEmbedding(ctx, in)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, store.CrossModalStore) {
	t.Helper()
	st, err := memory.New(memory.Params{Embedder: &stubEmbedder{}, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	aggregator, err := aggregate.NewAggregator(aggregate.NewAggregatorParams{
		Store:  st,
		Config: aggregate.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}
	resolver, err := resolve.NewResolver(resolve.NewResolverParams{
		Store:        st,
		Similarity:   &resolve.SurfaceSimilarity{},
		Config:       resolve.DefaultConfig(),
		Reaggregator: aggregator,
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	p, err := NewPipeline(NewPipelineParams{
		Store:      st,
		Resolver:   resolver,
		Aggregator: aggregator,
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p, st
}

func testDocument(sourceID string, conf float64) Document {
	return Document{
		SourceID: sourceID,
		Mentions: []common.Mention{
			{ID: sourceID + "_m1", Text: "Tim Cook", Type: "person", Confidence: 0.9},
			{ID: sourceID + "_m2", Text: "Apple Inc", Type: "organization", Confidence: 0.9},
		},
		Claims: []RawClaim{
			{
				SubjectRef: sourceID + "_m1",
				Predicate:  "ceo_of",
				ObjectRef:  sourceID + "_m2",
				Confidence: conf,
				Supports:   true,
			},
		},
	}
}

func TestRunResolvesMentionsAndCommitsClaim(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	result, err := p.Run(ctx, testDocument("doc1", 0.8))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(result.EntityIDs) != 2 {
		t.Fatalf("expected 2 resolved mentions, got %d", len(result.EntityIDs))
	}
	if len(result.ClaimIDs) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(result.ClaimIDs))
	}

	subject := result.EntityIDs["doc1_m1"]
	object := result.EntityIDs["doc1_m2"]
	if subject == object {
		t.Fatal("distinct mentions must not collapse into one entity")
	}

	claim, err := st.GetClaim(ctx, result.ClaimIDs[0])
	if err != nil {
		t.Fatalf("failed to load claim: %v", err)
	}
	if claim.SubjectID != subject || claim.ObjectID != object {
		t.Fatalf("claim references wrong entities: %+v", claim)
	}
	if claim.Posterior == nil {
		t.Fatal("claim posterior must be set after ingest")
	}
	if len(claim.Evidence) != 1 || claim.Evidence[0].SourceID != "doc1" {
		t.Fatalf("unexpected evidence: %+v", claim.Evidence)
	}

	// The claim must also be visible as graph edges of the subject.
	view, err := st.Get(ctx, subject, store.ModalityGraph)
	if err != nil {
		t.Fatalf("failed to read subject graph view: %v", err)
	}
	if len(view.Graph.Edges) != 1 || view.Graph.Edges[0].TargetID != object {
		t.Fatalf("expected one edge to %s, got %+v", object, view.Graph.Edges)
	}
}

func TestRunFoldsRepeatedTripleIntoOneClaim(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Run(ctx, testDocument("doc1", 0.8))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	second, err := p.Run(ctx, testDocument("doc2", 0.75))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if first.ClaimIDs[0] != second.ClaimIDs[0] {
		t.Fatalf("the same triple must share one claim record, got %s and %s",
			first.ClaimIDs[0], second.ClaimIDs[0])
	}

	claim, err := st.GetClaim(ctx, first.ClaimIDs[0])
	if err != nil {
		t.Fatalf("failed to load claim: %v", err)
	}
	if len(claim.Evidence) != 2 {
		t.Fatalf("expected appended evidence from both documents, got %d items", len(claim.Evidence))
	}

	firstClaim := 0.8
	if *claim.Posterior <= firstClaim {
		t.Fatalf("independent corroboration must raise the posterior above %v, got %v",
			firstClaim, *claim.Posterior)
	}
}

func TestRunSupportsLiteralObjectValues(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	doc := Document{
		SourceID: "doc1",
		Mentions: []common.Mention{
			{ID: "m1", Text: "Apple Inc", Type: "organization", Confidence: 0.9},
		},
		Claims: []RawClaim{
			{
				SubjectRef:  "m1",
				Predicate:   "founded_in",
				ObjectValue: "1976",
				Confidence:  0.85,
				Supports:    true,
			},
		},
	}
	result, err := p.Run(ctx, doc)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	claim, err := st.GetClaim(ctx, result.ClaimIDs[0])
	if err != nil {
		t.Fatalf("failed to load claim: %v", err)
	}
	if claim.ObjectID != "" || claim.ObjectValue != "1976" {
		t.Fatalf("expected literal object, got %+v", claim)
	}
}

func TestRunResolvesSurfaceTextClaimRefs(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	doc := Document{
		SourceID: "doc1",
		Mentions: []common.Mention{
			{ID: "m1", Text: "Tim Cook", Type: "person", Confidence: 0.9},
			{ID: "m2", Text: "Apple Inc", Type: "organization", Confidence: 0.9},
		},
		Claims: []RawClaim{
			{SubjectRef: "Tim Cook", Predicate: "ceo_of", ObjectRef: "Apple Inc", Confidence: 0.85, Supports: true},
		},
	}
	result, err := p.Run(ctx, doc)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(result.ClaimIDs) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(result.ClaimIDs))
	}

	claim, err := st.GetClaim(ctx, result.ClaimIDs[0])
	if err != nil {
		t.Fatalf("failed to load claim: %v", err)
	}
	if claim.SubjectID != result.EntityIDs["m1"] || claim.ObjectID != result.EntityIDs["m2"] {
		t.Fatalf("surface refs resolved to the wrong entities: %+v", claim)
	}
}

func TestRunCollectsAmbiguitiesWithoutFailing(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	seed := func(id, name string, conf float64) {
		e := &common.Entity{
			ID:                 id,
			Name:               name,
			State:              common.EntityProvisional,
			MentionIDs:         []string{"seed_" + id},
			IdentityConfidence: conf,
			ConfidenceWeight:   1,
			CreatedAt:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := st.Commit(ctx, common.EntityRecord(e)); err != nil {
			t.Fatalf("failed to seed entity: %v", err)
		}
	}
	seed("ent_mercuryplanet00", "Mercury", 0.9)
	seed("ent_mercuryelement0", "Mercury", 0.8)

	doc := Document{
		SourceID: "doc1",
		Mentions: []common.Mention{
			{ID: "m1", Text: "Mercury", Confidence: 0.9},
		},
	}
	result, err := p.Run(ctx, doc)
	if err != nil {
		t.Fatalf("ambiguity must not fail the run: %v", err)
	}
	if len(result.Ambiguities) != 1 {
		t.Fatalf("expected 1 recorded ambiguity, got %d", len(result.Ambiguities))
	}
	if result.EntityIDs["m1"] != "ent_mercuryplanet00" {
		t.Fatalf("expected attachment to the higher-confidence entity, got %s", result.EntityIDs["m1"])
	}
}

func TestRunRejectsClaimsReferencingUnknownMentions(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	doc := Document{
		SourceID: "doc1",
		Mentions: []common.Mention{
			{ID: "m1", Text: "Apple Inc", Confidence: 0.9},
		},
		Claims: []RawClaim{
			{SubjectRef: "m_missing", Predicate: "ceo_of", ObjectValue: "x", Confidence: 0.8, Supports: true},
		},
	}
	if _, err := p.Run(ctx, doc); err == nil {
		t.Fatal("expected error for claim referencing unknown mention")
	}
}
