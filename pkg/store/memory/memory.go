// Package memory implements the cross-modal store in process memory.
// Committed records are immutable snapshots swapped under a per-identifier
// lock, which gives readers snapshot isolation without a global lock.
package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/sift-kg/sift/internal/keylock"
	"github.com/sift-kg/sift/internal/util"
	"github.com/sift-kg/sift/pkg/ai"
	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/project"
	"github.com/sift-kg/sift/pkg/store"
)

// Store is an in-memory CrossModalStore. The embedder supplies the vector
// projection; projection derivation is retried with backoff before a
// commit is abandoned.
type Store struct {
	embedder   ai.Embedder
	locks      *keylock.KeyLock
	maxRetries int
	backoff    time.Duration

	mu        sync.RWMutex
	records   map[string]*common.CrossModalRecord
	triples   map[string]string
	bySubject map[string][]string
	mentions  map[string]common.Mention
	log       []store.CommitEntry
}

// Params configures a new Store.
type Params struct {
	Embedder   ai.Embedder
	MaxRetries int
	Backoff    time.Duration
}

// New creates an empty in-memory store.
func New(params Params) (*Store, error) {
	if params.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := params.Backoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	return &Store{
		embedder:   params.Embedder,
		locks:      keylock.New(),
		maxRetries: maxRetries,
		backoff:    backoff,
		records:    make(map[string]*common.CrossModalRecord),
		triples:    make(map[string]string),
		bySubject:  make(map[string][]string),
		mentions:   make(map[string]common.Mention),
	}, nil
}

// Commit stages all three projections for the record, verifies every one,
// and flips the committed snapshot atomically. A failed projection rolls
// the whole commit back with a ProjectionSyncError; the previous committed
// state stays visible throughout.
func (s *Store) Commit(ctx context.Context, rec common.Canonical) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	id := rec.ID()

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	current := s.committed(id)
	canonical := copyCanonical(rec)

	if current != nil && reflect.DeepEqual(current.Canonical, canonical) {
		logger.Debug("[Store] Commit is a no-op", "id", id, "version", current.Version)
		return nil
	}

	staged, err := s.stageProjections(ctx, canonical)
	if err != nil {
		logger.Error("[Store] Commit rolled back", "id", id, "err", err)
		return err
	}

	version := int64(1)
	if current != nil {
		version = current.Version + 1
	}
	staged.Version = version

	s.mu.Lock()
	s.records[id] = staged
	if canonical.Kind == common.KindClaim {
		s.indexClaimLocked(current, canonical.Claim)
	}
	s.log = append(s.log, store.CommitEntry{
		Seq:         int64(len(s.log) + 1),
		RecordID:    id,
		Kind:        canonical.Kind,
		Version:     version,
		CommittedAt: time.Now().UTC(),
	})
	s.mu.Unlock()

	logger.Debug("[Store] Committed", "id", id, "kind", canonical.Kind, "version", version)

	// A claim changes the edge set of its subject entity, so that
	// entity's projections are re-derived right after the claim flip.
	if canonical.Kind == common.KindClaim && canonical.Claim.SubjectID != "" {
		if err := s.Reindex(ctx, canonical.Claim.SubjectID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("[Store] Subject reindex after claim commit failed",
				"claim_id", id, "subject_id", canonical.Claim.SubjectID, "err", err)
		}
	}

	return nil
}

// Get returns the latest committed version of a record rendered in the
// requested modality.
func (s *Store) Get(ctx context.Context, id string, modality store.Modality) (store.View, error) {
	rec := s.committed(id)
	if rec == nil {
		return store.View{}, store.ErrNotFound
	}

	view := store.View{ID: rec.ID, Version: rec.Version}
	switch modality {
	case store.ModalityGraph:
		g := copyGraph(rec.Graph)
		view.Graph = &g
	case store.ModalityTable:
		t := copyTable(rec.Table)
		view.Table = &t
	case store.ModalityVector:
		v := copyVector(rec.Vector)
		view.Vector = &v
	default:
		return store.View{}, fmt.Errorf("unknown modality %q", modality)
	}
	return view, nil
}

// Reindex recomputes all three projections from the canonical record. For
// unchanged canonical data the committed state is reproduced exactly and
// no new version is written.
func (s *Store) Reindex(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	current := s.committed(id)
	if current == nil {
		return store.ErrNotFound
	}

	staged, err := s.stageProjections(ctx, current.Canonical)
	if err != nil {
		return err
	}

	if reflect.DeepEqual(staged.Graph, current.Graph) &&
		reflect.DeepEqual(staged.Table, current.Table) &&
		reflect.DeepEqual(staged.Vector, current.Vector) {
		return nil
	}

	staged.Version = current.Version + 1
	s.mu.Lock()
	s.records[id] = staged
	s.log = append(s.log, store.CommitEntry{
		Seq:         int64(len(s.log) + 1),
		RecordID:    id,
		Kind:        staged.Canonical.Kind,
		Version:     staged.Version,
		CommittedAt: time.Now().UTC(),
	})
	s.mu.Unlock()
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*common.Entity, error) {
	rec := s.committed(id)
	if rec == nil || rec.Canonical.Kind != common.KindEntity {
		return nil, store.ErrNotFound
	}
	e := copyEntity(*rec.Canonical.Entity)
	return &e, nil
}

func (s *Store) ListEntities(ctx context.Context, includeRetired bool) ([]common.Entity, error) {
	s.mu.RLock()
	out := make([]common.Entity, 0)
	for _, rec := range s.records {
		if rec.Canonical.Kind != common.KindEntity {
			continue
		}
		e := rec.Canonical.Entity
		if !includeRetired && e.State == common.EntityRetired {
			continue
		}
		out = append(out, copyEntity(*e))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetClaim(ctx context.Context, id string) (*common.Claim, error) {
	rec := s.committed(id)
	if rec == nil || rec.Canonical.Kind != common.KindClaim {
		return nil, store.ErrNotFound
	}
	c := copyClaim(*rec.Canonical.Claim)
	return &c, nil
}

func (s *Store) GetClaimByTriple(ctx context.Context, subjectID, predicate, object string) (*common.Claim, error) {
	key := subjectID + "|" + predicate + "|" + object

	s.mu.RLock()
	id, ok := s.triples[key]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetClaim(ctx, id)
}

func (s *Store) ClaimsBySubject(ctx context.Context, subjectID string) ([]common.Claim, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.bySubject[subjectID]...)
	s.mu.RUnlock()

	out := make([]common.Claim, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClaim(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RepointClaims rewrites references to a merged-away entity and
// recommits every affected claim so its projections follow the surviving
// identifier. When the rewrite makes a claim's triple collide with an
// existing claim, the two logical duplicates fold into one record.
func (s *Store) RepointClaims(ctx context.Context, fromID, toID string) ([]string, error) {
	s.mu.RLock()
	affected := make([]common.Claim, 0)
	for _, rec := range s.records {
		if rec.Canonical.Kind != common.KindClaim {
			continue
		}
		c := rec.Canonical.Claim
		if c.SubjectID == fromID || c.ObjectID == fromID {
			affected = append(affected, copyClaim(*c))
		}
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(affected))
	for i := range affected {
		c := &affected[i]
		if c.SubjectID == fromID {
			c.SubjectID = toID
		}
		if c.ObjectID == fromID {
			c.ObjectID = toID
		}

		s.mu.RLock()
		existingID, collides := s.triples[c.TripleKey()]
		s.mu.RUnlock()
		if collides && existingID != c.ID {
			if err := s.foldClaim(ctx, c, existingID); err != nil {
				return nil, fmt.Errorf("failed to fold claim %s into %s: %w", c.ID, existingID, err)
			}
			out = append(out, existingID)
			continue
		}

		c.UpdatedAt = time.Now().UTC()
		if err := s.Commit(ctx, common.ClaimRecord(c)); err != nil {
			return nil, fmt.Errorf("failed to repoint claim %s: %w", c.ID, err)
		}
		out = append(out, c.ID)
	}
	return out, nil
}

// foldClaim merges a repointed claim into the claim already holding its
// triple. Evidence is kept append-only; the posterior no longer matches
// the combined evidence, so it is cleared until re-aggregation.
func (s *Store) foldClaim(ctx context.Context, dup *common.Claim, targetID string) error {
	target, err := s.GetClaim(ctx, targetID)
	if err != nil {
		return err
	}
	target.Evidence = append(target.Evidence, dup.Evidence...)
	target.Posterior = nil
	target.MethodVersion = ""
	target.UpdatedAt = time.Now().UTC()
	if err := s.Commit(ctx, common.ClaimRecord(target)); err != nil {
		return err
	}
	s.removeClaim(dup.ID)
	logger.Debug("[Store] Folded duplicate claim", "removed", dup.ID, "into", targetID)
	return nil
}

// removeClaim drops a claim record and its index entries.
func (s *Store) removeClaim(id string) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Canonical.Kind != common.KindClaim {
		return
	}
	old := rec.Canonical.Claim
	if s.triples[old.TripleKey()] == old.ID {
		delete(s.triples, old.TripleKey())
	}
	s.bySubject[old.SubjectID] = removeString(s.bySubject[old.SubjectID], old.ID)
	delete(s.records, id)
}

func (s *Store) SaveMention(ctx context.Context, m common.Mention) error {
	if m.ID == "" {
		return fmt.Errorf("mention id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Mentions are immutable; the first write wins.
	if _, ok := s.mentions[m.ID]; !ok {
		s.mentions[m.ID] = m
	}
	return nil
}

func (s *Store) GetMentions(ctx context.Context, ids []string) ([]common.Mention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Mention, 0, len(ids))
	for _, id := range ids {
		m, ok := s.mentions[id]
		if !ok {
			return nil, fmt.Errorf("%w: mention %s", store.ErrNotFound, id)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) CommitLog(ctx context.Context) ([]store.CommitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.CommitEntry(nil), s.log...), nil
}

// committed returns the current snapshot pointer for an id, or nil.
func (s *Store) committed(id string) *common.CrossModalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

// stageProjections derives all three projections for a canonical record.
// Each derivation is retried with backoff; a persistent failure reports
// which modality could not be staged.
func (s *Store) stageProjections(ctx context.Context, canonical common.Canonical) (*common.CrossModalRecord, error) {
	id := canonical.ID()

	var claims []common.Claim
	if canonical.Kind == common.KindEntity {
		var err error
		claims, err = s.ClaimsBySubject(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	var graph common.GraphProjection
	err := util.RetryErrBackoff(ctx, s.maxRetries, s.backoff, func(ctx context.Context) error {
		var gErr error
		graph, gErr = project.Graph(canonical, claims)
		return gErr
	})
	if err != nil {
		return nil, &store.ProjectionSyncError{RecordID: id, Modality: store.ModalityGraph, Attempts: s.maxRetries, Err: err}
	}

	var table common.TableProjection
	err = util.RetryErrBackoff(ctx, s.maxRetries, s.backoff, func(ctx context.Context) error {
		var tErr error
		table, tErr = project.Table(canonical)
		return tErr
	})
	if err != nil {
		return nil, &store.ProjectionSyncError{RecordID: id, Modality: store.ModalityTable, Attempts: s.maxRetries, Err: err}
	}

	var vector common.VectorProjection
	err = util.RetryErrBackoff(ctx, s.maxRetries, s.backoff, func(ctx context.Context) error {
		embedding, eErr := s.embedder.GenerateEmbedding(ctx, []byte(project.EmbeddingText(canonical)))
		if eErr != nil {
			return eErr
		}
		vector, eErr = project.Vector(canonical, embedding)
		return eErr
	})
	if err != nil {
		return nil, &store.ProjectionSyncError{RecordID: id, Modality: store.ModalityVector, Attempts: s.maxRetries, Err: err}
	}

	return &common.CrossModalRecord{
		ID:        id,
		Canonical: canonical,
		Graph:     graph,
		Table:     table,
		Vector:    vector,
	}, nil
}

// indexClaimLocked maintains the triple and subject indexes. Caller holds
// s.mu.
func (s *Store) indexClaimLocked(previous *common.CrossModalRecord, claim *common.Claim) {
	if previous != nil && previous.Canonical.Kind == common.KindClaim {
		old := previous.Canonical.Claim
		delete(s.triples, old.TripleKey())
		s.bySubject[old.SubjectID] = removeString(s.bySubject[old.SubjectID], old.ID)
	}
	s.triples[claim.TripleKey()] = claim.ID
	s.bySubject[claim.SubjectID] = appendUnique(s.bySubject[claim.SubjectID], claim.ID)
}

func validateRecord(rec common.Canonical) error {
	switch rec.Kind {
	case common.KindEntity:
		if rec.Entity == nil {
			return fmt.Errorf("entity record without entity payload")
		}
		if rec.Entity.ID == "" {
			return fmt.Errorf("entity id is empty")
		}
	case common.KindClaim:
		if rec.Claim == nil {
			return fmt.Errorf("claim record without claim payload")
		}
		if rec.Claim.ID == "" {
			return fmt.Errorf("claim id is empty")
		}
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

func removeString(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
