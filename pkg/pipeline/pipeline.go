// Package pipeline drives a document through identity resolution and
// evidence aggregation: mentions resolve to entities, raw claims fold
// into deduplicated claim records, and every claim posterior is updated.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sift-kg/sift/internal/util"
	"github.com/sift-kg/sift/pkg/aggregate"
	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/resolve"
	"github.com/sift-kg/sift/pkg/store"
)

// RawClaim is one assertion extracted from a document. Subject and
// object references name the document's mentions, either by mention id
// or by surface text; extractors emit surface text before anything is
// resolved. Exactly one of ObjectRef and ObjectValue is set.
type RawClaim struct {
	SubjectRef    string  `json:"subject_ref"`
	Predicate     string  `json:"predicate"`
	ObjectRef     string  `json:"object_ref,omitempty"`
	ObjectValue   string  `json:"object_value,omitempty"`
	Confidence    float64 `json:"confidence"`
	Supports      bool    `json:"supports"`
	DependencyTag string  `json:"dependency_tag,omitempty"`
}

// Document is one unit of extractor output.
type Document struct {
	SourceID string           `json:"source_id"`
	Mentions []common.Mention `json:"mentions"`
	Claims   []RawClaim       `json:"claims"`
}

// Result reports what a document ingest produced. Ambiguities carries
// resolutions that were retained despite a tie; they do not fail the run.
type Result struct {
	EntityIDs   map[string]string
	ClaimIDs    []string
	Ambiguities []*resolve.AmbiguousResolutionError
}

// Pipeline wires the resolver and aggregator over one store.
type Pipeline struct {
	store       store.CrossModalStore
	resolver    *resolve.Resolver
	aggregator  *aggregate.Aggregator
	parallelMax int
}

// NewPipelineParams configures a new Pipeline.
type NewPipelineParams struct {
	Store      store.CrossModalStore
	Resolver   *resolve.Resolver
	Aggregator *aggregate.Aggregator
	// ParallelMax bounds concurrent mention resolution. Defaults to 4.
	ParallelMax int
}

// NewPipeline creates a pipeline over the given components.
func NewPipeline(params NewPipelineParams) (*Pipeline, error) {
	if params.Store == nil || params.Resolver == nil || params.Aggregator == nil {
		return nil, fmt.Errorf("store, resolver and aggregator are required")
	}
	parallelMax := params.ParallelMax
	if parallelMax <= 0 {
		parallelMax = 4
	}
	return &Pipeline{
		store:       params.Store,
		resolver:    params.Resolver,
		aggregator:  params.Aggregator,
		parallelMax: parallelMax,
	}, nil
}

// Run ingests one document. Mentions resolve concurrently; claims are
// then folded sequentially so evidence for the same triple appends in
// document order. Ambiguous resolutions are collected, not fatal.
func (p *Pipeline) Run(ctx context.Context, doc Document) (*Result, error) {
	if doc.SourceID == "" {
		return nil, fmt.Errorf("document has no source id")
	}

	result := &Result{EntityIDs: make(map[string]string, len(doc.Mentions))}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelMax)
	for i := range doc.Mentions {
		m := doc.Mentions[i]
		if m.ID == "" {
			m.ID = util.NewMentionID()
			doc.Mentions[i].ID = m.ID
		}
		if m.SourceID == "" {
			m.SourceID = doc.SourceID
		}
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}
			entityID, _, err := p.resolver.Resolve(gCtx, m)
			var ambErr *resolve.AmbiguousResolutionError
			if errors.As(err, &ambErr) {
				mu.Lock()
				result.Ambiguities = append(result.Ambiguities, ambErr)
				mu.Unlock()
			} else if err != nil {
				return fmt.Errorf("failed to resolve mention %s: %w", m.ID, err)
			}
			mu.Lock()
			result.EntityIDs[m.ID] = entityID
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, raw := range doc.Claims {
		claimID, err := p.ingestClaim(ctx, doc, raw, result.EntityIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to ingest claim %d of %s: %w", i, doc.SourceID, err)
		}
		result.ClaimIDs = append(result.ClaimIDs, claimID)
	}

	logger.Info("[Pipeline] Ingested document",
		"source_id", doc.SourceID, "mentions", len(doc.Mentions),
		"claims", len(result.ClaimIDs), "ambiguities", len(result.Ambiguities))
	return result, nil
}

func (p *Pipeline) ingestClaim(ctx context.Context, doc Document, raw RawClaim, entityIDs map[string]string) (string, error) {
	if raw.Predicate == "" {
		return "", fmt.Errorf("raw claim has no predicate")
	}
	subjectID, err := resolveRef(doc, entityIDs, raw.SubjectRef)
	if err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}

	objectID := ""
	object := raw.ObjectValue
	if raw.ObjectRef != "" {
		if raw.ObjectValue != "" {
			return "", fmt.Errorf("raw claim sets both object reference and object value")
		}
		objectID, err = resolveRef(doc, entityIDs, raw.ObjectRef)
		if err != nil {
			return "", fmt.Errorf("object: %w", err)
		}
		object = objectID
	}
	if object == "" {
		return "", fmt.Errorf("raw claim has neither object mention nor object value")
	}

	claim, err := p.store.GetClaimByTriple(ctx, subjectID, raw.Predicate, object)
	if errors.Is(err, store.ErrNotFound) {
		claim = &common.Claim{
			ID:          util.NewClaimID(),
			SubjectID:   subjectID,
			Predicate:   raw.Predicate,
			ObjectID:    objectID,
			ObjectValue: raw.ObjectValue,
			UpdatedAt:   time.Now().UTC(),
		}
		if err := p.store.Commit(ctx, common.ClaimRecord(claim)); err != nil {
			return "", fmt.Errorf("failed to commit claim: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to look up claim by triple: %w", err)
	}

	evidence := common.Evidence{
		SourceID:      doc.SourceID,
		Confidence:    raw.Confidence,
		DependencyTag: raw.DependencyTag,
		Supports:      raw.Supports,
	}
	if _, aggErr := p.aggregator.Aggregate(ctx, claim.ID, evidence); aggErr != nil {
		var detectErr *aggregate.DependencyDetectionError
		if errors.As(aggErr, &detectErr) {
			logger.Warn("[Pipeline] Aggregated with degraded dependency detection",
				"claim_id", claim.ID, "err", aggErr)
		} else {
			return "", fmt.Errorf("failed to aggregate evidence for %s: %w", claim.ID, aggErr)
		}
	}
	return claim.ID, nil
}

// resolveRef maps a raw claim reference onto a resolved entity. A
// reference is a mention id or, as extractors usually emit, the
// mention's surface text.
func resolveRef(doc Document, entityIDs map[string]string, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty reference")
	}
	if id, ok := entityIDs[ref]; ok {
		return id, nil
	}
	for _, m := range doc.Mentions {
		if m.Text == ref {
			return entityIDs[m.ID], nil
		}
	}
	return "", fmt.Errorf("reference %q does not match any mention in the document", ref)
}
