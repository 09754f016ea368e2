// Package aggregate folds a claim's evidence into a calibrated posterior
// confidence. Evidence items sharing an upstream origin are detected and
// discounted instead of being counted as independent corroboration, and
// every posterior can be explained by a deterministic audit trail.
package aggregate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/store"
)

// MethodVersion identifies the aggregation formula. It is stamped on
// every claim so a stored posterior can always be traced to the formula
// that produced it.
const MethodVersion = "bayes-dep-v1"

// Config holds the aggregation parameters.
type Config struct {
	// IndependentLimit is the evidence count up to which, absent any
	// detected dependency, the closed-form independent combination is
	// used directly.
	IndependentLimit int
	// MetaDiscount scales how strongly detected dependence pulls the
	// combined posterior back toward the prior.
	MetaDiscount float64
	// LowTrustThreshold marks posteriors computed from a single
	// effective source as low trust.
	LowTrustThreshold float64
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		IndependentLimit:  3,
		MetaDiscount:      0.25,
		LowTrustThreshold: 0.6,
	}
}

// ClusterTrace records how one dependency cluster contributed to a
// posterior. Naive is the in-cluster combination under an independence
// assumption, Discounted what actually entered the final combination.
type ClusterTrace struct {
	Members    []common.Evidence `json:"members"`
	Strength   float64           `json:"strength"`
	Naive      float64           `json:"naive"`
	Discounted float64           `json:"discounted"`
}

// AuditTrail explains a posterior. It is recomputed from the claim's
// stored evidence on demand and is deterministic for a given evidence
// list and method version.
type AuditTrail struct {
	ClaimID       string            `json:"claim_id"`
	MethodVersion string            `json:"method_version"`
	Evidence      []common.Evidence `json:"evidence"`
	Clusters      []ClusterTrace    `json:"clusters"`
	MeanStrength  float64           `json:"mean_strength"`
	Combined      float64           `json:"combined"`
	Posterior     float64           `json:"posterior"`
	LowTrust      bool              `json:"low_trust"`
}

// Aggregator computes claim posteriors over a cross-modal store.
type Aggregator struct {
	store    store.CrossModalStore
	detector DependencyDetector
	cfg      Config
}

// NewAggregatorParams configures a new Aggregator.
type NewAggregatorParams struct {
	Store    store.CrossModalStore
	Detector DependencyDetector
	Config   Config
}

// NewAggregator creates an aggregator. A nil detector falls back to the
// tag and source based default.
func NewAggregator(params NewAggregatorParams) (*Aggregator, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	detector := params.Detector
	if detector == nil {
		detector = &TagDetector{}
	}
	cfg := params.Config
	if cfg.IndependentLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Aggregator{store: params.Store, detector: detector, cfg: cfg}, nil
}

// Aggregate appends the given evidence to the claim, recomputes the
// posterior over the full evidence list and commits the updated claim.
// The returned posterior always reflects the committed state.
//
// When dependency detection fails the posterior is still computed, with
// all evidence treated as one fully dependent cluster, and a
// *DependencyDetectionError is returned alongside the committed result.
func (g *Aggregator) Aggregate(ctx context.Context, claimID string, newEvidence ...common.Evidence) (float64, error) {
	claim, err := g.store.GetClaim(ctx, claimID)
	if err != nil {
		return 0, fmt.Errorf("failed to load claim %s: %w", claimID, err)
	}
	claim.Evidence = append(claim.Evidence, newEvidence...)

	trail, detectErr := g.compute(ctx, claim.ID, claim.Evidence)
	if trail == nil {
		return 0, detectErr
	}

	posterior := trail.Posterior
	claim.Posterior = &posterior
	claim.MethodVersion = MethodVersion
	claim.UpdatedAt = time.Now().UTC()

	if err := g.store.Commit(ctx, common.ClaimRecord(claim)); err != nil {
		return 0, fmt.Errorf("failed to commit claim %s: %w", claim.ID, err)
	}

	logger.Debug("[Aggregate] Updated posterior",
		"claim_id", claim.ID, "evidence", len(claim.Evidence),
		"posterior", posterior, "low_trust", trail.LowTrust)
	return posterior, detectErr
}

// Explain recomputes the audit trail for a claim's stored posterior from
// its evidence list. The trail's posterior matches the stored one as long
// as the claim was aggregated with the current method version.
func (g *Aggregator) Explain(ctx context.Context, claimID string) (*AuditTrail, error) {
	claim, err := g.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claim %s: %w", claimID, err)
	}
	trail, detectErr := g.compute(ctx, claim.ID, claim.Evidence)
	if trail == nil {
		return nil, detectErr
	}
	return trail, detectErr
}

// compute builds the audit trail for an evidence list. A nil trail means
// the evidence was unusable; a non-nil trail with a non-nil error means
// the result is degraded but valid.
func (g *Aggregator) compute(ctx context.Context, claimID string, evidence []common.Evidence) (*AuditTrail, error) {
	if len(evidence) == 0 {
		return nil, &InsufficientEvidenceError{ClaimID: claimID}
	}

	trail := &AuditTrail{
		ClaimID:       claimID,
		MethodVersion: MethodVersion,
		Evidence:      evidence,
	}

	clusters, detectErr := g.detector.Detect(ctx, evidence)
	if detectErr != nil {
		n := len(evidence)
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		clusters = []Cluster{{Indices: indices, Strength: float64(n-1) / float64(n)}}
		trail.LowTrust = true
		detectErr = &DependencyDetectionError{ClaimID: claimID, Err: detectErr}
		logger.Warn("[Aggregate] Dependency detection failed, assuming full dependence",
			"claim_id", claimID, "err", detectErr)
	}

	allIndependent := true
	for _, c := range clusters {
		if c.Strength > 0 {
			allIndependent = false
			break
		}
	}

	if allIndependent && len(evidence) <= g.cfg.IndependentLimit {
		sum := 0.0
		for i, e := range evidence {
			l := contribution(e)
			sum += l
			trail.Clusters = append(trail.Clusters, ClusterTrace{
				Members:    []common.Evidence{evidence[i]},
				Naive:      l,
				Discounted: l,
			})
		}
		trail.Combined = sigmoid(sum)
		trail.Posterior = trail.Combined
		trail.LowTrust = trail.LowTrust || g.isLowTrust(trail)
		return trail, detectErr
	}

	combined := 0.0
	strengthSum := 0.0
	for _, c := range clusters {
		members := make([]common.Evidence, len(c.Indices))
		naive := 0.0
		anchor := 0.0
		for i, idx := range c.Indices {
			members[i] = evidence[idx]
			l := contribution(evidence[idx])
			naive += l
			if math.Abs(l) > math.Abs(anchor) {
				anchor = l
			}
		}
		// Dependent items mostly repeat their strongest member, so the
		// cluster contributes the anchor plus a discounted remainder.
		discounted := anchor + (naive-anchor)*(1-c.Strength)
		combined += discounted
		strengthSum += c.Strength
		trail.Clusters = append(trail.Clusters, ClusterTrace{
			Members:    members,
			Strength:   c.Strength,
			Naive:      naive,
			Discounted: discounted,
		})
	}

	trail.MeanStrength = strengthSum / float64(len(clusters))
	trail.Combined = sigmoid(combined)
	trail.Posterior = 0.5 + (trail.Combined-0.5)*(1-g.cfg.MetaDiscount*trail.MeanStrength)
	trail.LowTrust = trail.LowTrust || g.isLowTrust(trail)
	return trail, detectErr
}

// isLowTrust flags posteriors that rest on a single effective source:
// either one evidence item or one fully clustered group.
func (g *Aggregator) isLowTrust(trail *AuditTrail) bool {
	if len(trail.Evidence) < 2 {
		return true
	}
	if len(trail.Clusters) == 1 && trail.Clusters[0].Strength > 0 {
		return true
	}
	return trail.Posterior < g.cfg.LowTrustThreshold && trail.Posterior > 0.5
}

// contribution converts one evidence item to log odds relative to the
// 0.5 prior. Supporting items never push the posterior down and
// contradicting items never push it up, whatever their stated confidence.
func contribution(e common.Evidence) float64 {
	c := clamp(e.Confidence, 0.01, 0.99)
	l := math.Log(c / (1 - c))
	if l < 0 {
		l = 0
	}
	if e.Supports {
		return l
	}
	return -l
}

func sigmoid(logOdds float64) float64 {
	return 1 / (1 + math.Exp(-logOdds))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
