package memory

import "github.com/sift-kg/sift/pkg/common"

// Committed snapshots must not alias caller-owned memory, so canonical
// payloads and projections are deep-copied on the way in and out.

func copyCanonical(rec common.Canonical) common.Canonical {
	out := common.Canonical{Kind: rec.Kind}
	if rec.Entity != nil {
		e := copyEntity(*rec.Entity)
		out.Entity = &e
	}
	if rec.Claim != nil {
		c := copyClaim(*rec.Claim)
		out.Claim = &c
	}
	return out
}

func copyEntity(e common.Entity) common.Entity {
	e.MentionIDs = append([]string(nil), e.MentionIDs...)
	return e
}

func copyClaim(c common.Claim) common.Claim {
	c.Evidence = append([]common.Evidence(nil), c.Evidence...)
	if c.Posterior != nil {
		p := *c.Posterior
		c.Posterior = &p
	}
	return c
}

func copyGraph(g common.GraphProjection) common.GraphProjection {
	props := make(map[string]string, len(g.Properties))
	for k, v := range g.Properties {
		props[k] = v
	}
	g.Properties = props
	g.Edges = append([]common.GraphEdge(nil), g.Edges...)
	return g
}

func copyTable(t common.TableProjection) common.TableProjection {
	cols := make(map[string]string, len(t.Columns))
	for k, v := range t.Columns {
		cols[k] = v
	}
	confs := make(map[string]float64, len(t.ConfidenceColumns))
	for k, v := range t.ConfidenceColumns {
		confs[k] = v
	}
	t.Columns = cols
	t.ConfidenceColumns = confs
	return t
}

func copyVector(v common.VectorProjection) common.VectorProjection {
	v.Embedding = append([]float32(nil), v.Embedding...)
	return v
}
