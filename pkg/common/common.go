package common

import "time"

// Mention is a single textual occurrence of a candidate entity as reported
// by the external extractor. Mentions are immutable once created; after
// resolution they are referenced by exactly one entity at a time.
type Mention struct {
	ID         string  `json:"id"`
	SourceID   string  `json:"source_id"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// EntityState tracks the lifecycle of an entity cluster.
//
// New entities start provisional. An entity becomes stable once its
// identity confidence passes the configured threshold and it has survived
// at least one conflict check. Retired entities are kept for audit but
// excluded from new resolutions.
type EntityState string

const (
	EntityProvisional EntityState = "provisional"
	EntityStable      EntityState = "stable"
	EntityRetired     EntityState = "retired"
)

// Entity is a canonical, deduplicated real-world referent. The identifier
// is opaque and never reused for a different referent. An entity
// exclusively owns its mention id set; mentions move between entities only
// through explicit merge or split operations.
//
// IdentityConfidence is the running probability that the cluster is
// correctly unified. ConfidenceWeight is the accumulated weight behind
// that average and is carried so later mentions can be folded in without
// replaying the full history.
type Entity struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Type               string      `json:"type"`
	State              EntityState `json:"state"`
	MentionIDs         []string    `json:"mention_ids"`
	IdentityConfidence float64     `json:"identity_confidence"`
	ConfidenceWeight   float64     `json:"confidence_weight"`
	ConflictChecked    bool        `json:"conflict_checked"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Evidence is one source's assertion about a claim. DependencyTag marks a
// shared upstream origin (e.g. two articles citing the same wire report);
// items carrying the same non-empty tag are not independent corroboration.
// Supports is false for evidence contradicting the claim.
type Evidence struct {
	SourceID      string  `json:"source_id"`
	Confidence    float64 `json:"confidence"`
	DependencyTag string  `json:"dependency_tag,omitempty"`
	Supports      bool    `json:"supports"`
}

// Claim is an assertion of a relationship or attribute between two
// entities, or between an entity and a literal value. Multiple raw claims
// about the same logical triple merge into one record; evidence is
// append-only and retained for audit.
//
// Posterior is nil until a successful aggregation has run. It is always
// recomputed from the evidence list, never hand-edited.
type Claim struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subject_id"`
	Predicate     string     `json:"predicate"`
	ObjectID      string     `json:"object_id,omitempty"`
	ObjectValue   string     `json:"object_value,omitempty"`
	Evidence      []Evidence `json:"evidence"`
	Posterior     *float64   `json:"posterior,omitempty"`
	MethodVersion string     `json:"method_version,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TripleKey is the logical identity of a claim: two raw claims with the
// same key describe the same assertion and share one claim record.
func (c Claim) TripleKey() string {
	obj := c.ObjectID
	if obj == "" {
		obj = c.ObjectValue
	}
	return c.SubjectID + "|" + c.Predicate + "|" + obj
}

// GraphEdge is one outgoing edge in the graph projection of an entity.
type GraphEdge struct {
	Predicate  string  `json:"predicate"`
	TargetID   string  `json:"target_id"`
	Confidence float64 `json:"confidence"`
}

// GraphProjection renders a record as a graph node (entities) or edge
// payload (claims).
type GraphProjection struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
	Edges      []GraphEdge       `json:"edges"`
}

// TableProjection renders a record as one relational row. Confidence
// columns are kept separate so analytic consumers can filter on them.
type TableProjection struct {
	ID                string             `json:"id"`
	Columns           map[string]string  `json:"columns"`
	ConfidenceColumns map[string]float64 `json:"confidence_columns"`
}

// VectorProjection renders a record as a point in embedding space.
type VectorProjection struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
}

// RecordKind discriminates the canonical payload of a cross-modal record.
type RecordKind string

const (
	KindEntity RecordKind = "entity"
	KindClaim  RecordKind = "claim"
)

// Canonical is the tagged union accepted by the cross-modal store: exactly
// one of Entity or Claim is set, matching Kind.
type Canonical struct {
	Kind   RecordKind `json:"kind"`
	Entity *Entity    `json:"entity,omitempty"`
	Claim  *Claim     `json:"claim,omitempty"`
}

// EntityRecord wraps an entity for commit.
func EntityRecord(e *Entity) Canonical {
	return Canonical{Kind: KindEntity, Entity: e}
}

// ClaimRecord wraps a claim for commit.
func ClaimRecord(c *Claim) Canonical {
	return Canonical{Kind: KindClaim, Claim: c}
}

// ID returns the stable identifier of the wrapped record.
func (c Canonical) ID() string {
	switch c.Kind {
	case KindEntity:
		if c.Entity != nil {
			return c.Entity.ID
		}
	case KindClaim:
		if c.Claim != nil {
			return c.Claim.ID
		}
	}
	return ""
}

// CrossModalRecord is one committed version of a record together with its
// three synchronized projections. All projections derive from the same
// canonical state; a record is never visible with projections from
// different versions.
type CrossModalRecord struct {
	ID        string           `json:"id"`
	Version   int64            `json:"version"`
	Canonical Canonical        `json:"canonical"`
	Graph     GraphProjection  `json:"graph"`
	Table     TableProjection  `json:"table"`
	Vector    VectorProjection `json:"vector"`
}
