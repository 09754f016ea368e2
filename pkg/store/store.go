package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sift-kg/sift/pkg/common"
)

// Modality selects which projection of a record a read returns.
type Modality string

const (
	ModalityGraph  Modality = "graph"
	ModalityTable  Modality = "table"
	ModalityVector Modality = "vector"
)

// ParseModality validates a modality string from an external caller.
func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityGraph, ModalityTable, ModalityVector:
		return Modality(s), nil
	default:
		return "", fmt.Errorf("unknown modality %q", s)
	}
}

// View is a record rendered in one requested modality. Exactly one of the
// projection fields is set. Version identifies the committed state the
// projection was derived from.
type View struct {
	ID      string                   `json:"id"`
	Version int64                    `json:"version"`
	Graph   *common.GraphProjection  `json:"graph,omitempty"`
	Table   *common.TableProjection  `json:"table,omitempty"`
	Vector  *common.VectorProjection `json:"vector,omitempty"`
}

// CommitEntry is one line of the commit log, recorded for every committed
// version so past states can be replayed and audited.
type CommitEntry struct {
	Seq         int64             `json:"seq"`
	RecordID    string            `json:"record_id"`
	Kind        common.RecordKind `json:"kind"`
	Version     int64             `json:"version"`
	CommittedAt time.Time         `json:"committed_at"`
}

// ErrNotFound reports that no committed record exists for an identifier.
var ErrNotFound = errors.New("record not found")

// ProjectionSyncError reports that a record's projections could not all be
// derived and the commit was rolled back. It is retryable; after the
// store's internal retries are exhausted it is fatal for that record only.
type ProjectionSyncError struct {
	RecordID string
	Modality Modality
	Attempts int
	Err      error
}

func (e *ProjectionSyncError) Error() string {
	return fmt.Sprintf("projection sync failed for %s (%s modality, %d attempts): %v",
		e.RecordID, e.Modality, e.Attempts, e.Err)
}

func (e *ProjectionSyncError) Unwrap() error { return e.Err }

// CrossModalStore persists canonical entities and claims and guarantees
// that their graph, table, and vector projections never diverge.
//
// Commit is all-or-nothing: the three projections are staged, verified,
// and made visible atomically per identifier. Readers see either the
// pre-commit or the post-commit state, never a mixture. Operations on
// different identifiers never serialize against each other.
type CrossModalStore interface {
	// Commit accepts a canonical entity or claim change, re-derives all
	// three projections and flips visibility atomically. Committing a
	// payload deep-equal to the current committed state is a no-op.
	Commit(ctx context.Context, rec common.Canonical) error

	// Get returns the record rendered in the requested modality at its
	// latest committed version. It never returns in-flight state.
	Get(ctx context.Context, id string, modality Modality) (View, error)

	// Reindex recomputes all three projections from the canonical record,
	// used after merges and splits.
	Reindex(ctx context.Context, id string) error

	GetEntity(ctx context.Context, id string) (*common.Entity, error)
	ListEntities(ctx context.Context, includeRetired bool) ([]common.Entity, error)

	GetClaim(ctx context.Context, id string) (*common.Claim, error)
	GetClaimByTriple(ctx context.Context, subjectID, predicate, object string) (*common.Claim, error)
	ClaimsBySubject(ctx context.Context, subjectID string) ([]common.Claim, error)

	// RepointClaims rewrites subject/object references from one entity id
	// to another, used when entities merge. Affected claims are
	// recommitted so their projections follow. A rewritten claim whose
	// triple now matches an existing claim is folded into that claim:
	// evidence lists are concatenated, the stale posterior is cleared,
	// and the duplicate record is removed. Returns the ids of the claims
	// that carry the repointed references afterwards.
	RepointClaims(ctx context.Context, fromID, toID string) ([]string, error)

	SaveMention(ctx context.Context, m common.Mention) error
	GetMentions(ctx context.Context, ids []string) ([]common.Mention, error)

	// CommitLog returns the append-only log of committed versions in
	// order.
	CommitLog(ctx context.Context) ([]CommitEntry, error)
}
