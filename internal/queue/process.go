package queue

import (
	"context"
	"fmt"

	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/pipeline"
	"github.com/sift-kg/sift/pkg/store"
)

// ProcessIngestMessage decodes and validates one ingest payload and runs
// it through the pipeline. A returned error sends the message to the
// retry queue.
func ProcessIngestMessage(ctx context.Context, p *pipeline.Pipeline, msg string) error {
	data := new(IngestMessage)
	if err := UnmarshalFlexible(msg, data); err != nil {
		return fmt.Errorf("failed to decode ingest message: %w", err)
	}
	if err := validate.Struct(data); err != nil {
		return fmt.Errorf("invalid ingest message: %w", err)
	}

	result, err := p.Run(ctx, data.Document())
	if err != nil {
		return fmt.Errorf("failed to process document %s: %w", data.SourceID, err)
	}

	for _, amb := range result.Ambiguities {
		logger.Warn("[Queue] Retained ambiguous resolution",
			"source_id", data.SourceID, "mention_id", amb.MentionID,
			"chosen", amb.ChosenID, "candidates", amb.CandidateIDs)
	}

	logger.Info("[Queue] Processed ingest message",
		"source_id", data.SourceID,
		"entities", len(result.EntityIDs),
		"claims", len(result.ClaimIDs))
	return nil
}

// ProcessReindexMessage recomputes all projections for the given records.
func ProcessReindexMessage(ctx context.Context, st store.CrossModalStore, msg string) error {
	data := new(ReindexMessage)
	if err := UnmarshalFlexible(msg, data); err != nil {
		return fmt.Errorf("failed to decode reindex message: %w", err)
	}
	if err := validate.Struct(data); err != nil {
		return fmt.Errorf("invalid reindex message: %w", err)
	}

	for _, id := range data.RecordIDs {
		if err := st.Reindex(ctx, id); err != nil {
			return fmt.Errorf("failed to reindex %s: %w", id, err)
		}
	}

	logger.Info("[Queue] Reindexed records", "count", len(data.RecordIDs))
	return nil
}
