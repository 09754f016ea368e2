// Package project renders canonical entities and claims into the three
// modality-native structures: graph node/edge, relational row, and
// embedding vector. Projectors are stateless; the cross-modal store calls
// them during commit and reindex and is responsible for atomicity.
package project

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sift-kg/sift/pkg/common"
)

// Graph renders a canonical record as a graph projection. For entities the
// claims parameter supplies the outgoing edges (claims whose subject is
// the entity); for claims it is ignored.
func Graph(rec common.Canonical, claims []common.Claim) (common.GraphProjection, error) {
	switch rec.Kind {
	case common.KindEntity:
		e := rec.Entity
		if e == nil {
			return common.GraphProjection{}, fmt.Errorf("entity record without entity payload")
		}
		edges := make([]common.GraphEdge, 0, len(claims))
		for _, c := range claims {
			if c.SubjectID != e.ID {
				continue
			}
			target := c.ObjectID
			if target == "" {
				target = c.ObjectValue
			}
			conf := 0.0
			if c.Posterior != nil {
				conf = *c.Posterior
			}
			edges = append(edges, common.GraphEdge{
				Predicate:  c.Predicate,
				TargetID:   target,
				Confidence: conf,
			})
		}
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Predicate != edges[j].Predicate {
				return edges[i].Predicate < edges[j].Predicate
			}
			return edges[i].TargetID < edges[j].TargetID
		})
		return common.GraphProjection{
			ID:   e.ID,
			Type: e.Type,
			Properties: map[string]string{
				"name":  e.Name,
				"state": string(e.State),
			},
			Edges: edges,
		}, nil
	case common.KindClaim:
		c := rec.Claim
		if c == nil {
			return common.GraphProjection{}, fmt.Errorf("claim record without claim payload")
		}
		target := c.ObjectID
		if target == "" {
			target = c.ObjectValue
		}
		conf := 0.0
		if c.Posterior != nil {
			conf = *c.Posterior
		}
		return common.GraphProjection{
			ID:   c.ID,
			Type: "claim",
			Properties: map[string]string{
				"subject_id": c.SubjectID,
				"predicate":  c.Predicate,
			},
			Edges: []common.GraphEdge{
				{Predicate: c.Predicate, TargetID: target, Confidence: conf},
			},
		}, nil
	default:
		return common.GraphProjection{}, fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

// Table renders a canonical record as one relational row.
func Table(rec common.Canonical) (common.TableProjection, error) {
	switch rec.Kind {
	case common.KindEntity:
		e := rec.Entity
		if e == nil {
			return common.TableProjection{}, fmt.Errorf("entity record without entity payload")
		}
		return common.TableProjection{
			ID: e.ID,
			Columns: map[string]string{
				"name":          e.Name,
				"type":          e.Type,
				"state":         string(e.State),
				"mention_count": strconv.Itoa(len(e.MentionIDs)),
			},
			ConfidenceColumns: map[string]float64{
				"identity_confidence": e.IdentityConfidence,
			},
		}, nil
	case common.KindClaim:
		c := rec.Claim
		if c == nil {
			return common.TableProjection{}, fmt.Errorf("claim record without claim payload")
		}
		cols := map[string]string{
			"subject_id":     c.SubjectID,
			"predicate":      c.Predicate,
			"evidence_count": strconv.Itoa(len(c.Evidence)),
		}
		if c.ObjectID != "" {
			cols["object_id"] = c.ObjectID
		}
		if c.ObjectValue != "" {
			cols["object_value"] = c.ObjectValue
		}
		confs := map[string]float64{}
		if c.Posterior != nil {
			confs["posterior"] = *c.Posterior
		}
		return common.TableProjection{
			ID:                c.ID,
			Columns:           cols,
			ConfidenceColumns: confs,
		}, nil
	default:
		return common.TableProjection{}, fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

// EmbeddingText is the canonical text embedded for a record's vector
// projection. Keeping it deterministic makes reindexing reproduce
// bit-identical vectors for unchanged canonical data.
func EmbeddingText(rec common.Canonical) string {
	switch rec.Kind {
	case common.KindEntity:
		if rec.Entity == nil {
			return ""
		}
		return rec.Entity.Name + " " + rec.Entity.Type
	case common.KindClaim:
		if rec.Claim == nil {
			return ""
		}
		c := rec.Claim
		obj := c.ObjectID
		if obj == "" {
			obj = c.ObjectValue
		}
		return c.SubjectID + " " + c.Predicate + " " + obj
	default:
		return ""
	}
}

// Vector wraps an embedding as the vector projection of a record.
func Vector(rec common.Canonical, embedding []float32) (common.VectorProjection, error) {
	id := rec.ID()
	if id == "" {
		return common.VectorProjection{}, fmt.Errorf("record has no identifier")
	}
	return common.VectorProjection{ID: id, Embedding: embedding}, nil
}
