package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/store"
)

func (s *Store) GetEntity(ctx context.Context, id string) (*common.Entity, error) {
	canonical, err := s.loadCanonical(ctx, id)
	if err != nil {
		return nil, err
	}
	if canonical.Kind != common.KindEntity {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return canonical.Entity, nil
}

func (s *Store) ListEntities(ctx context.Context, includeRetired bool) ([]common.Entity, error) {
	sql := `SELECT canonical FROM records WHERE kind = 'entity'`
	if !includeRetired {
		sql += ` AND canonical->'entity'->>'state' <> 'retired'`
	}
	sql += ` ORDER BY canonical->'entity'->>'created_at', id`

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	out := make([]common.Entity, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		canonical, err := decodeCanonical(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *canonical.Entity)
	}
	return out, rows.Err()
}

func (s *Store) GetClaim(ctx context.Context, id string) (*common.Claim, error) {
	canonical, err := s.loadCanonical(ctx, id)
	if err != nil {
		return nil, err
	}
	if canonical.Kind != common.KindClaim {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return canonical.Claim, nil
}

func (s *Store) GetClaimByTriple(ctx context.Context, subjectID, predicate, object string) (*common.Claim, error) {
	key := subjectID + "|" + predicate + "|" + object

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT canonical FROM records WHERE triple_key = $1`, key).Scan(&raw)
	if err != nil {
		return nil, mapNoRows(err, key)
	}
	canonical, err := decodeCanonical(raw)
	if err != nil {
		return nil, err
	}
	return canonical.Claim, nil
}

func (s *Store) ClaimsBySubject(ctx context.Context, subjectID string) ([]common.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT canonical FROM records WHERE kind = 'claim' AND subject_id = $1 ORDER BY id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims of %s: %w", subjectID, err)
	}
	defer rows.Close()

	out := make([]common.Claim, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		canonical, err := decodeCanonical(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *canonical.Claim)
	}
	return out, rows.Err()
}

// RepointClaims rewrites references to a merged-away entity and
// recommits every affected claim so its projections follow the surviving
// identifier. When the rewrite makes a claim's triple collide with an
// existing claim, the two logical duplicates fold into one record.
func (s *Store) RepointClaims(ctx context.Context, fromID, toID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT canonical FROM records
		 WHERE kind = 'claim'
		   AND (subject_id = $1 OR canonical->'claim'->>'object_id' = $1)
		 ORDER BY id`, fromID)
	if err != nil {
		return nil, fmt.Errorf("failed to find claims of %s: %w", fromID, err)
	}

	affected := make([]common.Claim, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		canonical, err := decodeCanonical(raw)
		if err != nil {
			rows.Close()
			return nil, err
		}
		affected = append(affected, *canonical.Claim)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(affected))
	for i := range affected {
		c := &affected[i]
		if c.SubjectID == fromID {
			c.SubjectID = toID
		}
		if c.ObjectID == fromID {
			c.ObjectID = toID
		}

		var existingID string
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM records WHERE triple_key = $1 AND id <> $2`,
			c.TripleKey(), c.ID).Scan(&existingID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			c.UpdatedAt = time.Now().UTC()
			if err := s.Commit(ctx, common.ClaimRecord(c)); err != nil {
				return nil, fmt.Errorf("failed to repoint claim %s: %w", c.ID, err)
			}
			out = append(out, c.ID)
		case err != nil:
			return nil, fmt.Errorf("failed to check triple of %s: %w", c.ID, err)
		default:
			if err := s.foldClaim(ctx, c, existingID); err != nil {
				return nil, fmt.Errorf("failed to fold claim %s into %s: %w", c.ID, existingID, err)
			}
			out = append(out, existingID)
		}
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

	// The duplicate row still carries its pre-rewrite triple key, so it
	// never collides with the target's unique index and can be dropped
	// after the fold.
	if _, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id = $1`, dup.ID); err != nil {
		return fmt.Errorf("failed to drop duplicate claim %s: %w", dup.ID, err)
	}
	logger.Debug("[Store] Folded duplicate claim", "removed", dup.ID, "into", targetID)
	return nil
}

func (s *Store) SaveMention(ctx context.Context, m common.Mention) error {
	if m.ID == "" {
		return fmt.Errorf("mention id is empty")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode mention %s: %w", m.ID, err)
	}
	// Mentions are immutable; the first write wins.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mentions (id, payload) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		m.ID, payload)
	if err != nil {
		return fmt.Errorf("failed to save mention %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMentions(ctx context.Context, ids []string) ([]common.Mention, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM mentions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load mentions: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]common.Mention, len(ids))
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m common.Mention
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to decode mention: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]common.Mention, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: mention %s", store.ErrNotFound, id)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) CommitLog(ctx context.Context) ([]store.CommitEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, record_id, kind, version, committed_at FROM commit_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit log: %w", err)
	}
	defer rows.Close()

	out := make([]store.CommitEntry, 0)
	for rows.Next() {
		var (
			entry store.CommitEntry
			kind  string
		)
		if err := rows.Scan(&entry.Seq, &entry.RecordID, &kind, &entry.Version, &entry.CommittedAt); err != nil {
			return nil, err
		}
		entry.Kind = common.RecordKind(kind)
		out = append(out, entry)
	}
	return out, rows.Err()
}
