package resolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sift-kg/sift/pkg/aggregate"
	"github.com/sift-kg/sift/pkg/common"
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

func newTestResolver(t *testing.T) (*Resolver, store.CrossModalStore) {
	t.Helper()
	st, err := memory.New(memory.Params{Embedder: &stubEmbedder{}, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	r, err := NewResolver(NewResolverParams{
		Store:      st,
		Similarity: &SurfaceSimilarity{},
		Config:     DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return r, st
}

func mention(id, text, typ string, conf float64) common.Mention {
	return common.Mention{ID: id, SourceID: "src_" + id, Text: text, Type: typ, Confidence: conf}
}

func TestResolveCreatesEntityWhenNothingMatches(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	id, conf, err := r.Resolve(ctx, mention("m1", "Tim Cook", "person", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if conf != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", conf)
	}

	e, err := st.GetEntity(ctx, id)
	if err != nil {
		t.Fatalf("entity not committed: %v", err)
	}
	if e.State != common.EntityProvisional {
		t.Fatalf("expected provisional state, got %s", e.State)
	}
	if len(e.MentionIDs) != 1 || e.MentionIDs[0] != "m1" {
		t.Fatalf("unexpected mention ids: %v", e.MentionIDs)
	}
}

func TestResolveMergesAbbreviatedSurfaceForm(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	first, _, err := r.Resolve(ctx, mention("m1", "Tim Cook", "person", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	second, conf, err := r.Resolve(ctx, mention("m2", "T. Cook, CEO", "person", 0.85))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if second != first {
		t.Fatalf("expected both mentions on one entity, got %s and %s", first, second)
	}
	if conf < 0.85 {
		t.Fatalf("expected identity confidence to stay at or above 0.85, got %v", conf)
	}

	e, err := st.GetEntity(ctx, first)
	if err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	if len(e.MentionIDs) != 2 {
		t.Fatalf("expected 2 mentions, got %d", len(e.MentionIDs))
	}

	entities, err := st.ListEntities(ctx, true)
	if err != nil {
		t.Fatalf("failed to list entities: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected exactly one entity, got %d", len(entities))
	}
}

func TestResolveConfidenceIsRunningAverage(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, mention("m1", "Tim Cook", "person", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	_, conf, err := r.Resolve(ctx, mention("m2", "T. Cook, CEO", "person", 0.85))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// surface score 0.8, so (0.9*1 + 0.85*0.8) / 1.8
	want := (0.9 + 0.85*0.8) / 1.8
	if math.Abs(conf-want) > 1e-9 {
		t.Fatalf("expected confidence %v, got %v", want, conf)
	}
}

func TestResolveOrderIndependentConvergence(t *testing.T) {
	ctx := context.Background()

	texts := []string{"Tim Cook", "T. Cook", "Tim Cook", "Apple Inc", "Apple Inc"}

	countEntities := func(order []int) int {
		r, st := newTestResolver(t)
		for i, idx := range order {
			m := mention(fmt.Sprintf("m%d", i), texts[idx], "", 0.9)
			if _, _, err := r.Resolve(ctx, m); err != nil {
				t.Fatalf("resolve failed for %q: %v", m.Text, err)
			}
		}
		entities, err := st.ListEntities(ctx, true)
		if err != nil {
			t.Fatalf("failed to list entities: %v", err)
		}
		return len(entities)
	}

	forward := countEntities([]int{0, 1, 2, 3, 4})
	reverse := countEntities([]int{4, 3, 2, 1, 0})
	shuffled := countEntities([]int{2, 4, 0, 3, 1})

	if forward != 2 || reverse != 2 || shuffled != 2 {
		t.Fatalf("expected 2 entities in every order, got forward=%d reverse=%d shuffled=%d",
			forward, reverse, shuffled)
	}
}

// rendezvousSimilarity blocks every scorer until all expected resolutions
// have read the candidate list, forcing their writes to overlap.
type rendezvousSimilarity struct {
	gate sync.WaitGroup
}

func (s *rendezvousSimilarity) Score(ctx context.Context, m common.Mention, e common.Entity) (float64, error) {
	s.gate.Done()
	s.gate.Wait()
	return 0.9, nil
}

func TestConcurrentResolveDifferentSurfacesKeepAllMentions(t *testing.T) {
	ctx := context.Background()
	st, err := memory.New(memory.Params{Embedder: &stubEmbedder{}, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	sim := &rendezvousSimilarity{}
	sim.gate.Add(2)
	r, err := NewResolver(NewResolverParams{Store: st, Similarity: sim, Config: DefaultConfig()})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	seed := &common.Entity{
		ID:                 "ent_timcook0000000",
		Name:               "Tim Cook",
		Type:               "person",
		State:              common.EntityProvisional,
		MentionIDs:         []string{"m_seed"},
		IdentityConfidence: 0.9,
		ConfidenceWeight:   1,
		CreatedAt:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := st.Commit(ctx, common.EntityRecord(seed)); err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}

	// Two surface forms of one referent resolve at the same time. Both
	// score the same stale candidate snapshot; neither attachment may be
	// lost.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, m := range []common.Mention{
		mention("m_a", "T Cook", "person", 0.8),
		mention("m_b", "Tim Cook CEO", "person", 0.85),
	} {
		wg.Add(1)
		go func(m common.Mention) {
			defer wg.Done()
			if _, _, err := r.Resolve(ctx, m); err != nil {
				errs <- err
			}
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("resolve failed: %v", err)
	}

	entities, err := st.ListEntities(ctx, false)
	if err != nil {
		t.Fatalf("failed to list entities: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected both mentions on the seeded entity, got %d entities", len(entities))
	}
	if len(entities[0].MentionIDs) != 3 {
		t.Fatalf("a mention attachment was lost: %d mention ids across 1 entity, want 3",
			len(entities[0].MentionIDs))
	}
}

func TestResolveAmbiguousTieIsRetainedAndPenalized(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	// Two distinct high-confidence entities with the same surface form.
	idA, _, err := r.Resolve(ctx, mention("m1", "Mercury", "", 0.95))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	a, err := st.GetEntity(ctx, idA)
	if err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	b := &common.Entity{
		ID:                 "ent_planetmercury00",
		Name:               "Mercury",
		State:              common.EntityProvisional,
		MentionIDs:         []string{"m0"},
		IdentityConfidence: 0.7,
		ConfidenceWeight:   1,
		CreatedAt:          a.CreatedAt.Add(time.Second),
	}
	if err := st.Commit(ctx, common.EntityRecord(b)); err != nil {
		t.Fatalf("failed to seed second entity: %v", err)
	}

	chosenID, conf, err := r.Resolve(ctx, mention("m2", "Mercury", "", 0.9))
	if err == nil {
		t.Fatal("expected an ambiguity error")
	}
	var ambErr *AmbiguousResolutionError
	if !errors.As(err, &ambErr) {
		t.Fatalf("expected AmbiguousResolutionError, got %v", err)
	}
	if chosenID != idA {
		t.Fatalf("expected attachment to the higher-confidence entity %s, got %s", idA, chosenID)
	}
	if len(ambErr.CandidateIDs) != 2 {
		t.Fatalf("expected 2 recorded candidates, got %v", ambErr.CandidateIDs)
	}

	chosen, err := st.GetEntity(ctx, chosenID)
	if err != nil {
		t.Fatalf("failed to load chosen entity: %v", err)
	}
	naive := (0.95 + 0.9) / 2
	if conf >= naive {
		t.Fatalf("expected penalized confidence below %v, got %v", naive, conf)
	}
	if chosen.State != common.EntityProvisional {
		t.Fatalf("ambiguous entity must be provisional, got %s", chosen.State)
	}
	if chosen.ConflictChecked {
		t.Fatal("tie must reset conflict checked")
	}
}

func TestResolvePromotesToStableAfterConflictCheck(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	target, _, err := r.Resolve(ctx, mention("m1", "Tim Cook", "person", 0.95))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, _, err := r.Resolve(ctx, mention("m2", "Apple Inc", "organization", 0.9)); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// With an alternative present, the repeated mention survives a
	// conflict check and the cluster stabilizes.
	got, conf, err := r.Resolve(ctx, mention("m3", "Tim Cook", "person", 0.95))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != target {
		t.Fatalf("expected attachment to %s, got %s", target, got)
	}
	if conf <= 0.8 {
		t.Fatalf("expected confidence above 0.8, got %v", conf)
	}

	e, err := st.GetEntity(ctx, target)
	if err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	if e.State != common.EntityStable {
		t.Fatalf("expected stable state, got %s", e.State)
	}
	if !e.ConflictChecked {
		t.Fatal("expected conflict check to be recorded")
	}
}

func TestMergeKeepsOlderIDAndRetiresLoser(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	older, _, err := r.Resolve(ctx, mention("m1", "Timothy Donald Cook", "person", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	newer, _, err := r.Resolve(ctx, mention("m2", "Tim Cook", "person", 0.8))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if older == newer {
		t.Fatal("test setup requires two distinct entities")
	}

	claim := &common.Claim{
		ID:        "clm_ceoofapple000000",
		SubjectID: newer,
		Predicate: "ceo_of",
		ObjectID:  "ent_apple0000000000",
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.Commit(ctx, common.ClaimRecord(claim)); err != nil {
		t.Fatalf("failed to commit claim: %v", err)
	}

	survivor, err := r.Merge(ctx, newer, older)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if survivor != older {
		t.Fatalf("expected the older entity %s to survive, got %s", older, survivor)
	}

	s, err := st.GetEntity(ctx, survivor)
	if err != nil {
		t.Fatalf("failed to load survivor: %v", err)
	}
	if len(s.MentionIDs) != 2 {
		t.Fatalf("expected survivor to own both mentions, got %v", s.MentionIDs)
	}
	if s.State == common.EntityRetired {
		t.Fatal("survivor must not be retired")
	}

	l, err := st.GetEntity(ctx, newer)
	if err != nil {
		t.Fatalf("retired entity must remain loadable: %v", err)
	}
	if l.State != common.EntityRetired {
		t.Fatalf("expected loser to be retired, got %s", l.State)
	}
	if len(l.MentionIDs) != 0 {
		t.Fatalf("expected loser to give up its mentions, got %v", l.MentionIDs)
	}

	c, err := st.GetClaim(ctx, claim.ID)
	if err != nil {
		t.Fatalf("failed to load claim: %v", err)
	}
	if c.SubjectID != survivor {
		t.Fatalf("expected claim subject repointed to %s, got %s", survivor, c.SubjectID)
	}

	active, err := st.ListEntities(ctx, false)
	if err != nil {
		t.Fatalf("failed to list entities: %v", err)
	}
	for _, e := range active {
		if e.ID == newer {
			t.Fatal("retired entity must be excluded from active listings")
		}
	}
}

func TestMergeFoldsClaimsOnSameTriple(t *testing.T) {
	ctx := context.Background()
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
	r, err := NewResolver(NewResolverParams{
		Store:        st,
		Similarity:   &SurfaceSimilarity{},
		Config:       DefaultConfig(),
		Reaggregator: aggregator,
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	older, _, err := r.Resolve(ctx, mention("m1", "Timothy Donald Cook", "person", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	newer, _, err := r.Resolve(ctx, mention("m2", "Cook", "person", 0.8))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if older == newer {
		t.Fatal("test setup requires two distinct entities")
	}

	// Each cluster carries the same assertion about the same object.
	p := 0.9
	keep := &common.Claim{
		ID:        "clm_keep0000000000",
		SubjectID: older,
		Predicate: "ceo_of",
		ObjectID:  "ent_apple0000000000",
		Evidence:  []common.Evidence{{SourceID: "reuters", Confidence: 0.9, Supports: true}},
		Posterior: &p,
		UpdatedAt: base,
	}
	dup := &common.Claim{
		ID:        "clm_dup00000000000",
		SubjectID: newer,
		Predicate: "ceo_of",
		ObjectID:  "ent_apple0000000000",
		Evidence:  []common.Evidence{{SourceID: "bloomberg", Confidence: 0.8, Supports: true}},
		UpdatedAt: base,
	}
	if err := st.Commit(ctx, common.ClaimRecord(keep)); err != nil {
		t.Fatalf("failed to commit claim: %v", err)
	}
	if err := st.Commit(ctx, common.ClaimRecord(dup)); err != nil {
		t.Fatalf("failed to commit claim: %v", err)
	}

	survivor, err := r.Merge(ctx, older, newer)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if survivor != older {
		t.Fatalf("expected %s to survive, got %s", older, survivor)
	}

	claims, err := st.ClaimsBySubject(ctx, survivor)
	if err != nil {
		t.Fatalf("failed to list claims: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("same logical triple held by %d claim records after merge, want 1", len(claims))
	}
	folded := claims[0]
	if folded.ID != keep.ID || len(folded.Evidence) != 2 {
		t.Fatalf("expected both evidence items folded onto %s, got %+v", keep.ID, folded)
	}
	if folded.Posterior == nil {
		t.Fatal("folded claim must be re-aggregated")
	}
	if *folded.Posterior <= 0.9 {
		t.Fatalf("two corroborating sources must beat the single-source posterior, got %v", *folded.Posterior)
	}
	if _, err := st.GetClaim(ctx, dup.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("duplicate claim record must be removed, got %v", err)
	}
}

func TestMergeIsIdempotentOnSameID(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	id, _, err := r.Resolve(ctx, mention("m1", "Tim Cook", "person", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	got, err := r.Merge(ctx, id, id)
	if err != nil {
		t.Fatalf("self merge must be a no-op: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
}

func TestSplitDetachesMentionsAndRecomputesConfidence(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	id, _, err := r.Resolve(ctx, mention("m1", "Jordan", "", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, _, err := r.Resolve(ctx, mention("m2", "Jordan", "", 0.8)); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, _, err := r.Resolve(ctx, mention("m3", "Jordan", "", 0.6)); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	newID, err := r.Split(ctx, id, []string{"m3"})
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}

	original, err := st.GetEntity(ctx, id)
	if err != nil {
		t.Fatalf("failed to load original: %v", err)
	}
	if len(original.MentionIDs) != 2 {
		t.Fatalf("expected original to retain 2 mentions, got %v", original.MentionIDs)
	}
	want := (0.9 + 0.8) / 2
	if math.Abs(original.IdentityConfidence-want) > 1e-9 {
		t.Fatalf("expected recomputed confidence %v, got %v", want, original.IdentityConfidence)
	}

	detached, err := st.GetEntity(ctx, newID)
	if err != nil {
		t.Fatalf("failed to load new entity: %v", err)
	}
	if detached.State != common.EntityProvisional {
		t.Fatalf("expected provisional state, got %s", detached.State)
	}
	if len(detached.MentionIDs) != 1 || detached.MentionIDs[0] != "m3" {
		t.Fatalf("unexpected detached mentions: %v", detached.MentionIDs)
	}
	if math.Abs(detached.IdentityConfidence-0.6) > 1e-9 {
		t.Fatalf("expected confidence 0.6, got %v", detached.IdentityConfidence)
	}
}

func TestSplitRejectsForeignAndTotalDetach(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	id, _, err := r.Resolve(ctx, mention("m1", "Jordan", "", 0.9))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if _, err := r.Split(ctx, id, []string{"m_unknown"}); err == nil {
		t.Fatal("expected error for mention not owned by the entity")
	}
	if _, err := r.Split(ctx, id, []string{"m1"}); err == nil {
		t.Fatal("expected error when detaching every mention")
	}
}
