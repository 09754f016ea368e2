// Package resolve maps incoming mentions to canonical entities, creating
// new entities when nothing similar exists and merging or splitting
// clusters as more evidence arrives.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sift-kg/sift/internal/keylock"
	"github.com/sift-kg/sift/internal/util"
	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/store"
)

// Config holds the resolver thresholds.
type Config struct {
	// MatchThreshold is the minimum similarity for a mention to merge
	// into an existing entity.
	MatchThreshold float64
	// AmbiguityEpsilon is the band within which two candidate scores
	// count as a tie.
	AmbiguityEpsilon float64
	// AmbiguityPenalty is the relative identity-confidence reduction
	// applied when a mention is attached despite a tie.
	AmbiguityPenalty float64
	// StableThreshold is the identity confidence above which an entity
	// that survived a conflict check becomes stable.
	StableThreshold float64
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MatchThreshold:   0.75,
		AmbiguityEpsilon: 0.05,
		AmbiguityPenalty: 0.15,
		StableThreshold:  0.8,
	}
}

// Resolver clusters mentions into entities. All operations touching one
// entity identifier are serialized; mentions of unrelated referents
// resolve concurrently.
type Resolver struct {
	store store.CrossModalStore
	sim   Similarity
	reagg Reaggregator
	cfg   Config
	locks *keylock.KeyLock
	now   func() time.Time
}

// Reaggregator recomputes a claim's posterior from its stored evidence.
// The aggregate package's Aggregator satisfies it.
type Reaggregator interface {
	Aggregate(ctx context.Context, claimID string, evidence ...common.Evidence) (float64, error)
}

// NewResolverParams configures a new Resolver.
type NewResolverParams struct {
	Store      store.CrossModalStore
	Similarity Similarity
	Config     Config

	// Reaggregator, when set, recomputes the posterior of claims whose
	// evidence lists were folded together during a merge.
	Reaggregator Reaggregator
}

// NewResolver creates a resolver over the given store and similarity
// strategy.
func NewResolver(params NewResolverParams) (*Resolver, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Similarity == nil {
		return nil, fmt.Errorf("similarity strategy is required")
	}
	cfg := params.Config
	if cfg.MatchThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Resolver{
		store: params.Store,
		sim:   params.Similarity,
		reagg: params.Reaggregator,
		cfg:   cfg,
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

type scoredCandidate struct {
	entity common.Entity
	score  float64
}

// errCandidateGone signals that the chosen candidate was retired or
// removed between scoring and attachment, so scoring must be redone.
var errCandidateGone = errors.New("candidate entity gone")

// resolveAttempts bounds how often a resolution re-scores after its
// candidate was merged away underneath it.
const resolveAttempts = 3

// Resolve maps one mention to an entity identifier. When the best
// candidate clears the match threshold the mention merges into it and the
// entity's identity confidence is folded forward as a running weighted
// average. Otherwise a new entity is created at the mention's own
// confidence.
//
// When two or more candidates tie within the epsilon band the mention is
// attached to the highest-confidence candidate, the entity's identity
// confidence is penalized, and a *AmbiguousResolutionError is returned
// together with the chosen id so the retained ambiguity is never silent.
func (r *Resolver) Resolve(ctx context.Context, m common.Mention) (string, float64, error) {
	if m.ID == "" {
		m.ID = util.NewMentionID()
	}
	if m.Text == "" {
		return "", 0, fmt.Errorf("mention %s has empty text", m.ID)
	}

	// Serialize on the normalized surface form so concurrent mentions of
	// the same referent cannot race into duplicate entities.
	surfaceKey := util.NormalizeSurface(m.Text)
	r.locks.Lock(surfaceKey)
	defer r.locks.Unlock(surfaceKey)

	if err := r.store.SaveMention(ctx, m); err != nil {
		return "", 0, fmt.Errorf("failed to save mention %s: %w", m.ID, err)
	}

	for attempt := 0; attempt < resolveAttempts; attempt++ {
		candidates, err := r.scoreCandidates(ctx, m)
		if err != nil {
			return "", 0, err
		}

		if len(candidates) == 0 || candidates[0].score < r.cfg.MatchThreshold {
			return r.createEntity(ctx, m)
		}

		best := candidates[0]
		tied := []scoredCandidate{best}
		for _, c := range candidates[1:] {
			if c.score >= r.cfg.MatchThreshold && best.score-c.score <= r.cfg.AmbiguityEpsilon {
				tied = append(tied, c)
			}
		}

		var (
			id   string
			conf float64
		)
		if len(tied) > 1 {
			id, conf, err = r.attachAmbiguous(ctx, m, tied)
		} else {
			id, conf, err = r.attach(ctx, m, best, len(candidates) > 1)
		}
		if errors.Is(err, errCandidateGone) {
			continue
		}
		return id, conf, err
	}
	return "", 0, fmt.Errorf("mention %s: candidates kept disappearing during resolution", m.ID)
}

// Merge unifies two entities after later evidence reveals they are the
// same referent. The surviving identifier is the older of the two (tie
// break: lexicographically smaller) so downstream references stay stable.
// The losing entity is retired, its mentions move to the survivor, and
// claims referencing it are re-pointed.
func (r *Resolver) Merge(ctx context.Context, idA, idB string) (string, error) {
	if idA == idB {
		return idA, nil
	}

	r.locks.LockAll(idA, idB)
	defer r.locks.UnlockAll(idA, idB)

	a, err := r.store.GetEntity(ctx, idA)
	if err != nil {
		return "", fmt.Errorf("merge: entity %s: %w", idA, err)
	}
	b, err := r.store.GetEntity(ctx, idB)
	if err != nil {
		return "", fmt.Errorf("merge: entity %s: %w", idB, err)
	}

	survivor, loser := pickSurvivor(a, b)

	survivor.MentionIDs = append(survivor.MentionIDs, loser.MentionIDs...)
	totalWeight := survivor.ConfidenceWeight + loser.ConfidenceWeight
	if totalWeight > 0 {
		survivor.IdentityConfidence = (survivor.IdentityConfidence*survivor.ConfidenceWeight +
			loser.IdentityConfidence*loser.ConfidenceWeight) / totalWeight
	}
	survivor.ConfidenceWeight = totalWeight
	survivor.ConflictChecked = true
	r.applyState(survivor)

	loser.MentionIDs = nil
	loser.State = common.EntityRetired

	if err := r.store.Commit(ctx, common.EntityRecord(survivor)); err != nil {
		return "", fmt.Errorf("merge: failed to commit survivor %s: %w", survivor.ID, err)
	}
	if err := r.store.Commit(ctx, common.EntityRecord(loser)); err != nil {
		return "", fmt.Errorf("merge: failed to retire %s: %w", loser.ID, err)
	}
	claimIDs, err := r.store.RepointClaims(ctx, loser.ID, survivor.ID)
	if err != nil {
		return "", fmt.Errorf("merge: failed to repoint claims from %s: %w", loser.ID, err)
	}
	for _, claimID := range claimIDs {
		r.reaggregateStale(ctx, claimID)
	}
	if err := r.store.Reindex(ctx, survivor.ID); err != nil {
		return "", fmt.Errorf("merge: failed to reindex %s: %w", survivor.ID, err)
	}

	logger.Info("[Resolve] Merged entities", "survivor", survivor.ID, "retired", loser.ID)
	return survivor.ID, nil
}

// reaggregateStale recomputes the posterior of a claim whose evidence
// list was folded together during a merge. Without a configured
// Reaggregator the posterior stays nil until the next aggregation.
func (r *Resolver) reaggregateStale(ctx context.Context, claimID string) {
	if r.reagg == nil {
		return
	}
	claim, err := r.store.GetClaim(ctx, claimID)
	if err != nil {
		logger.Warn("[Resolve] Failed to load merged claim", "claim_id", claimID, "err", err)
		return
	}
	if claim.Posterior != nil || len(claim.Evidence) == 0 {
		return
	}
	if _, err := r.reagg.Aggregate(ctx, claimID); err != nil {
		logger.Warn("[Resolve] Failed to re-aggregate merged claim", "claim_id", claimID, "err", err)
	}
}

// Split reverses an incorrect merge by detaching the given mentions into a
// new entity. Both entities' identity confidences are recomputed from the
// mentions they retain.
func (r *Resolver) Split(ctx context.Context, entityID string, mentionIDs []string) (string, error) {
	if len(mentionIDs) == 0 {
		return "", fmt.Errorf("split: no mention ids given")
	}

	r.locks.Lock(entityID)
	defer r.locks.Unlock(entityID)

	e, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return "", fmt.Errorf("split: entity %s: %w", entityID, err)
	}

	detachSet := make(map[string]bool, len(mentionIDs))
	for _, id := range mentionIDs {
		detachSet[id] = true
	}

	retained := make([]string, 0, len(e.MentionIDs))
	detached := make([]string, 0, len(mentionIDs))
	for _, id := range e.MentionIDs {
		if detachSet[id] {
			detached = append(detached, id)
		} else {
			retained = append(retained, id)
		}
	}
	if len(detached) != len(detachSet) {
		return "", fmt.Errorf("split: entity %s does not own all given mentions", entityID)
	}
	if len(retained) == 0 {
		return "", fmt.Errorf("split: cannot detach every mention of %s", entityID)
	}

	detachedMentions, err := r.store.GetMentions(ctx, detached)
	if err != nil {
		return "", fmt.Errorf("split: %w", err)
	}
	retainedMentions, err := r.store.GetMentions(ctx, retained)
	if err != nil {
		return "", fmt.Errorf("split: %w", err)
	}

	newEntity := &common.Entity{
		ID:                 util.NewEntityID(),
		Name:               dominantSurface(detachedMentions),
		Type:               dominantType(detachedMentions),
		State:              common.EntityProvisional,
		MentionIDs:         detached,
		IdentityConfidence: meanConfidence(detachedMentions),
		ConfidenceWeight:   float64(len(detachedMentions)),
		CreatedAt:          r.now(),
	}

	e.MentionIDs = retained
	e.IdentityConfidence = meanConfidence(retainedMentions)
	e.ConfidenceWeight = float64(len(retainedMentions))
	e.ConflictChecked = false
	e.State = common.EntityProvisional
	r.applyState(e)

	if err := r.store.Commit(ctx, common.EntityRecord(newEntity)); err != nil {
		return "", fmt.Errorf("split: failed to commit new entity: %w", err)
	}
	if err := r.store.Commit(ctx, common.EntityRecord(e)); err != nil {
		return "", fmt.Errorf("split: failed to commit %s: %w", e.ID, err)
	}
	if err := r.store.Reindex(ctx, e.ID); err != nil {
		return "", fmt.Errorf("split: failed to reindex %s: %w", e.ID, err)
	}

	logger.Info("[Resolve] Split entity", "from", e.ID, "new", newEntity.ID, "mentions", len(detached))
	return newEntity.ID, nil
}

func (r *Resolver) scoreCandidates(ctx context.Context, m common.Mention) ([]scoredCandidate, error) {
	// Retired entities are excluded from new resolutions.
	entities, err := r.store.ListEntities(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate entities: %w", err)
	}

	out := make([]scoredCandidate, 0, len(entities))
	for _, e := range entities {
		score, err := r.sim.Score(ctx, m, e)
		if err != nil {
			return nil, fmt.Errorf("similarity scoring failed for %s: %w", e.ID, err)
		}
		out = append(out, scoredCandidate{entity: e, score: score})
	}

	// Order by score, then identity confidence, then id for determinism.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && lessCandidate(out[j-1], out[j]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func lessCandidate(a, b scoredCandidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if a.entity.IdentityConfidence != b.entity.IdentityConfidence {
		return a.entity.IdentityConfidence < b.entity.IdentityConfidence
	}
	return a.entity.ID > b.entity.ID
}

func (r *Resolver) createEntity(ctx context.Context, m common.Mention) (string, float64, error) {
	e := &common.Entity{
		ID:                 util.NewEntityID(),
		Name:               m.Text,
		Type:               m.Type,
		State:              common.EntityProvisional,
		MentionIDs:         []string{m.ID},
		IdentityConfidence: m.Confidence,
		ConfidenceWeight:   1,
		CreatedAt:          r.now(),
	}
	if err := r.store.Commit(ctx, common.EntityRecord(e)); err != nil {
		return "", 0, fmt.Errorf("failed to commit new entity for mention %s: %w", m.ID, err)
	}
	logger.Debug("[Resolve] Created entity", "entity_id", e.ID, "mention_id", m.ID, "confidence", e.IdentityConfidence)
	return e.ID, e.IdentityConfidence, nil
}

// lockEntityFresh takes the entity's own lock and re-reads it, so the
// read-modify-write of an attachment cannot overlap with a concurrent
// attachment arriving under a different surface form. The caller must
// unlock the id.
func (r *Resolver) lockEntityFresh(ctx context.Context, id string) (*common.Entity, error) {
	r.locks.Lock(id)
	fresh, err := r.store.GetEntity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		r.locks.Unlock(id)
		return nil, errCandidateGone
	}
	if err != nil {
		r.locks.Unlock(id)
		return nil, fmt.Errorf("failed to re-read entity %s: %w", id, err)
	}
	if fresh.State == common.EntityRetired {
		r.locks.Unlock(id)
		return nil, errCandidateGone
	}
	return fresh, nil
}

func (r *Resolver) attach(ctx context.Context, m common.Mention, c scoredCandidate, conflictChecked bool) (string, float64, error) {
	fresh, err := r.lockEntityFresh(ctx, c.entity.ID)
	if err != nil {
		return "", 0, err
	}
	defer r.locks.Unlock(c.entity.ID)

	e := *fresh
	e.MentionIDs = append(e.MentionIDs, m.ID)

	weight := c.score
	total := e.ConfidenceWeight + weight
	e.IdentityConfidence = (e.IdentityConfidence*e.ConfidenceWeight + m.Confidence*weight) / total
	e.ConfidenceWeight = total
	if conflictChecked {
		e.ConflictChecked = true
	}
	r.applyState(&e)

	if err := r.store.Commit(ctx, common.EntityRecord(&e)); err != nil {
		return "", 0, fmt.Errorf("failed to commit entity %s: %w", e.ID, err)
	}
	logger.Debug("[Resolve] Merged mention into entity",
		"entity_id", e.ID, "mention_id", m.ID, "score", c.score, "confidence", e.IdentityConfidence)
	return e.ID, e.IdentityConfidence, nil
}

func (r *Resolver) attachAmbiguous(ctx context.Context, m common.Mention, tied []scoredCandidate) (string, float64, error) {
	chosen := tied[0]
	for _, c := range tied[1:] {
		if c.entity.IdentityConfidence > chosen.entity.IdentityConfidence {
			chosen = c
		}
	}

	fresh, err := r.lockEntityFresh(ctx, chosen.entity.ID)
	if err != nil {
		return "", 0, err
	}
	defer r.locks.Unlock(chosen.entity.ID)

	e := *fresh
	e.MentionIDs = append(e.MentionIDs, m.ID)

	weight := chosen.score
	total := e.ConfidenceWeight + weight
	e.IdentityConfidence = (e.IdentityConfidence*e.ConfidenceWeight + m.Confidence*weight) / total
	e.IdentityConfidence *= 1 - r.cfg.AmbiguityPenalty
	e.ConfidenceWeight = total
	// A tie is a failed conflict check; stability must be re-earned.
	e.ConflictChecked = false
	e.State = common.EntityProvisional

	if err := r.store.Commit(ctx, common.EntityRecord(&e)); err != nil {
		return "", 0, fmt.Errorf("failed to commit entity %s: %w", e.ID, err)
	}

	candidateIDs := make([]string, len(tied))
	scores := make([]float64, len(tied))
	for i, c := range tied {
		candidateIDs[i] = c.entity.ID
		scores[i] = c.score
	}

	logger.Warn("[Resolve] Ambiguous resolution",
		"mention_id", m.ID, "chosen", e.ID, "candidates", len(tied))

	return e.ID, e.IdentityConfidence, &AmbiguousResolutionError{
		MentionID:    m.ID,
		SourceID:     m.SourceID,
		ChosenID:     e.ID,
		CandidateIDs: candidateIDs,
		Scores:       scores,
	}
}

func (r *Resolver) applyState(e *common.Entity) {
	if e.State == common.EntityRetired {
		return
	}
	if e.IdentityConfidence > r.cfg.StableThreshold && e.ConflictChecked {
		e.State = common.EntityStable
	} else {
		e.State = common.EntityProvisional
	}
}

func pickSurvivor(a, b *common.Entity) (survivor, loser *common.Entity) {
	if a.CreatedAt.Before(b.CreatedAt) {
		return a, b
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	if a.ID < b.ID {
		return a, b
	}
	return b, a
}

func dominantSurface(mentions []common.Mention) string {
	counts := make(map[string]int)
	best := ""
	for _, m := range mentions {
		counts[m.Text]++
		if best == "" || counts[m.Text] > counts[best] ||
			(counts[m.Text] == counts[best] && m.Text < best) {
			best = m.Text
		}
	}
	return best
}

func dominantType(mentions []common.Mention) string {
	counts := make(map[string]int)
	best := ""
	for _, m := range mentions {
		if m.Type == "" {
			continue
		}
		counts[m.Type]++
		if best == "" || counts[m.Type] > counts[best] {
			best = m.Type
		}
	}
	return best
}

func meanConfidence(mentions []common.Mention) float64 {
	if len(mentions) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range mentions {
		sum += m.Confidence
	}
	return sum / float64(len(mentions))
}
