// Package pg implements the cross-modal store on PostgreSQL. A record's
// canonical payload and all three projections live in one row, so the
// version flip is a single-row update and readers never observe
// projections from different versions.
package pg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/sift-kg/sift/internal/keylock"
	"github.com/sift-kg/sift/internal/util"
	"github.com/sift-kg/sift/pkg/ai"
	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/project"
	"github.com/sift-kg/sift/pkg/store"
)

// Store is a PostgreSQL-backed CrossModalStore.
type Store struct {
	pool       *pgxpool.Pool
	embedder   ai.Embedder
	locks      *keylock.KeyLock
	maxRetries int
	backoff    time.Duration
}

// Params configures a new Store.
type Params struct {
	Pool       *pgxpool.Pool
	Embedder   ai.Embedder
	MaxRetries int
	Backoff    time.Duration
}

// New creates a store over an existing connection pool. The pool must
// have pgvector types registered.
func New(params Params) (*Store, error) {
	if params.Pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
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
		pool:       params.Pool,
		embedder:   params.Embedder,
		locks:      keylock.New(),
		maxRetries: maxRetries,
		backoff:    backoff,
	}, nil
}

const upsertRecordSQL = `
INSERT INTO records (id, kind, canonical, graph, table_row, embedding, version, subject_id, triple_key, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (id) DO UPDATE SET
    kind = EXCLUDED.kind,
    canonical = EXCLUDED.canonical,
    graph = EXCLUDED.graph,
    table_row = EXCLUDED.table_row,
    embedding = EXCLUDED.embedding,
    version = EXCLUDED.version,
    subject_id = EXCLUDED.subject_id,
    triple_key = EXCLUDED.triple_key,
    updated_at = now()`

const insertLogSQL = `
INSERT INTO commit_log (record_id, kind, version) VALUES ($1, $2, $3)`

// Commit stages all three projections, then flips the record row and
// appends to the commit log in one transaction. Committing unchanged
// canonical state is a no-op.
func (s *Store) Commit(ctx context.Context, rec common.Canonical) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	id := rec.ID()

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	staged, err := s.stageProjections(ctx, rec)
	if err != nil {
		logger.Error("[Store] Commit rolled back", "id", id, "err", err)
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit for %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		storedCanonical []byte
		version         int64
	)
	err = tx.QueryRow(ctx,
		`SELECT canonical, version FROM records WHERE id = $1 FOR UPDATE`, id).
		Scan(&storedCanonical, &version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		version = 0
	case err != nil:
		return fmt.Errorf("failed to read current state of %s: %w", id, err)
	default:
		same, cmpErr := canonicalEqual(storedCanonical, rec)
		if cmpErr != nil {
			return cmpErr
		}
		if same {
			logger.Debug("[Store] Commit is a no-op", "id", id, "version", version)
			return nil
		}
	}
	version++

	if err := s.writeRecord(ctx, tx, staged, version); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", id, err)
	}

	logger.Debug("[Store] Committed", "id", id, "kind", rec.Kind, "version", version)

	// A claim changes the edge set of its subject entity, so that
	// entity's projections are re-derived right after the claim flip.
	if rec.Kind == common.KindClaim && rec.Claim.SubjectID != "" {
		if err := s.Reindex(ctx, rec.Claim.SubjectID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("[Store] Subject reindex after claim commit failed",
				"claim_id", id, "subject_id", rec.Claim.SubjectID, "err", err)
		}
	}
	return nil
}

// Get returns the latest committed version of a record rendered in the
// requested modality.
func (s *Store) Get(ctx context.Context, id string, modality store.Modality) (store.View, error) {
	view := store.View{ID: id}

	switch modality {
	case store.ModalityGraph:
		var raw []byte
		err := s.pool.QueryRow(ctx,
			`SELECT version, graph FROM records WHERE id = $1`, id).
			Scan(&view.Version, &raw)
		if err != nil {
			return store.View{}, mapNoRows(err, id)
		}
		g := new(common.GraphProjection)
		if err := json.Unmarshal(raw, g); err != nil {
			return store.View{}, fmt.Errorf("failed to decode graph projection of %s: %w", id, err)
		}
		view.Graph = g
	case store.ModalityTable:
		var raw []byte
		err := s.pool.QueryRow(ctx,
			`SELECT version, table_row FROM records WHERE id = $1`, id).
			Scan(&view.Version, &raw)
		if err != nil {
			return store.View{}, mapNoRows(err, id)
		}
		t := new(common.TableProjection)
		if err := json.Unmarshal(raw, t); err != nil {
			return store.View{}, fmt.Errorf("failed to decode table projection of %s: %w", id, err)
		}
		view.Table = t
	case store.ModalityVector:
		var vec pgvector.Vector
		err := s.pool.QueryRow(ctx,
			`SELECT version, embedding FROM records WHERE id = $1`, id).
			Scan(&view.Version, &vec)
		if err != nil {
			return store.View{}, mapNoRows(err, id)
		}
		view.Vector = &common.VectorProjection{ID: id, Embedding: vec.Slice()}
	default:
		return store.View{}, fmt.Errorf("unknown modality %q", modality)
	}
	return view, nil
}

// Reindex recomputes all three projections from the stored canonical
// record. When nothing changed no new version is written.
func (s *Store) Reindex(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	canonical, err := s.loadCanonical(ctx, id)
	if err != nil {
		return err
	}
	staged, err := s.stageProjections(ctx, canonical)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reindex of %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		storedGraph []byte
		storedTable []byte
		storedVec   pgvector.Vector
		version     int64
	)
	err = tx.QueryRow(ctx,
		`SELECT graph, table_row, embedding, version FROM records WHERE id = $1 FOR UPDATE`, id).
		Scan(&storedGraph, &storedTable, &storedVec, &version)
	if err != nil {
		return mapNoRows(err, id)
	}

	same, err := projectionsEqual(staged, storedGraph, storedTable, storedVec.Slice())
	if err != nil {
		return err
	}
	if same {
		return nil
	}

	if err := s.writeRecord(ctx, tx, staged, version+1); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reindex of %s: %w", id, err)
	}
	return nil
}

// writeRecord upserts the record row at the given version and appends
// the commit log entry. Caller owns the transaction.
func (s *Store) writeRecord(ctx context.Context, tx pgx.Tx, staged *common.CrossModalRecord, version int64) error {
	canonicalJSON, err := json.Marshal(staged.Canonical)
	if err != nil {
		return fmt.Errorf("failed to encode canonical record %s: %w", staged.ID, err)
	}
	graphJSON, err := json.Marshal(staged.Graph)
	if err != nil {
		return fmt.Errorf("failed to encode graph projection of %s: %w", staged.ID, err)
	}
	tableJSON, err := json.Marshal(staged.Table)
	if err != nil {
		return fmt.Errorf("failed to encode table projection of %s: %w", staged.ID, err)
	}

	var subjectID, tripleKey *string
	if staged.Canonical.Kind == common.KindClaim {
		c := staged.Canonical.Claim
		if c.SubjectID != "" {
			subjectID = &c.SubjectID
		}
		key := c.TripleKey()
		tripleKey = &key
	}

	_, err = tx.Exec(ctx, upsertRecordSQL,
		staged.ID,
		string(staged.Canonical.Kind),
		canonicalJSON,
		graphJSON,
		tableJSON,
		pgvector.NewVector(staged.Vector.Embedding),
		version,
		subjectID,
		tripleKey,
	)
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", staged.ID, err)
	}

	if _, err := tx.Exec(ctx, insertLogSQL, staged.ID, string(staged.Canonical.Kind), version); err != nil {
		return fmt.Errorf("failed to append commit log for %s: %w", staged.ID, err)
	}
	return nil
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

func (s *Store) loadCanonical(ctx context.Context, id string) (common.Canonical, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT canonical FROM records WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return common.Canonical{}, mapNoRows(err, id)
	}
	return decodeCanonical(raw)
}

func decodeCanonical(raw []byte) (common.Canonical, error) {
	var c common.Canonical
	if err := json.Unmarshal(raw, &c); err != nil {
		return common.Canonical{}, fmt.Errorf("failed to decode canonical record: %w", err)
	}
	return c, nil
}

// canonicalEqual compares an incoming canonical payload against the
// stored one by their JSON encodings, which ignores monotonic clock
// readings carried by in-process timestamps.
func canonicalEqual(storedCanonical []byte, rec common.Canonical) (bool, error) {
	stored, err := decodeCanonical(storedCanonical)
	if err != nil {
		return false, err
	}
	a, err := json.Marshal(stored)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

func projectionsEqual(staged *common.CrossModalRecord, storedGraph, storedTable []byte, storedEmbedding []float32) (bool, error) {
	graphJSON, err := json.Marshal(staged.Graph)
	if err != nil {
		return false, err
	}
	var normalizedGraph common.GraphProjection
	if err := json.Unmarshal(storedGraph, &normalizedGraph); err != nil {
		return false, err
	}
	prevGraph, err := json.Marshal(normalizedGraph)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(graphJSON, prevGraph) {
		return false, nil
	}

	tableJSON, err := json.Marshal(staged.Table)
	if err != nil {
		return false, err
	}
	var normalizedTable common.TableProjection
	if err := json.Unmarshal(storedTable, &normalizedTable); err != nil {
		return false, err
	}
	prevTable, err := json.Marshal(normalizedTable)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(tableJSON, prevTable) {
		return false, nil
	}

	if len(staged.Vector.Embedding) != len(storedEmbedding) {
		return false, nil
	}
	for i := range storedEmbedding {
		if staged.Vector.Embedding[i] != storedEmbedding[i] {
			return false, nil
		}
	}
	return true, nil
}

func mapNoRows(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return err
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
