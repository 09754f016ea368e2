package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator"
	"github.com/kaptinlin/jsonrepair"

	"github.com/sift-kg/sift/pkg/common"
	"github.com/sift-kg/sift/pkg/pipeline"
)

// MentionPayload is one extracted mention on the wire.
type MentionPayload struct {
	ID         string  `json:"id"`
	Start      int     `json:"start" validate:"gte=0"`
	End        int     `json:"end" validate:"gtefield=Start"`
	Text       string  `json:"text" validate:"required"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// ClaimPayload is one raw claim on the wire. Contradicts is false by
// default so a plain assertion counts as supporting evidence.
type ClaimPayload struct {
	SubjectRef    string  `json:"subject_ref" validate:"required"`
	Predicate     string  `json:"predicate" validate:"required"`
	ObjectRef     string  `json:"object_ref"`
	ObjectValue   string  `json:"object_value"`
	Confidence    float64 `json:"confidence" validate:"gte=0,lte=1"`
	Contradicts   bool    `json:"contradicts"`
	DependencyTag string  `json:"dependency_tag"`
}

// IngestMessage is the payload of the ingest queue: one extracted
// document to resolve and aggregate.
type IngestMessage struct {
	SourceID string           `json:"source_id" validate:"required"`
	Mentions []MentionPayload `json:"mentions" validate:"dive"`
	Claims   []ClaimPayload   `json:"claims" validate:"dive"`
}

// ReindexMessage is the payload of the reindex queue.
type ReindexMessage struct {
	RecordIDs []string `json:"record_ids" validate:"required,min=1,dive,required"`
}

// Document converts the wire payload into a pipeline document.
func (m IngestMessage) Document() pipeline.Document {
	doc := pipeline.Document{
		SourceID: m.SourceID,
		Mentions: make([]common.Mention, len(m.Mentions)),
		Claims:   make([]pipeline.RawClaim, len(m.Claims)),
	}
	for i, p := range m.Mentions {
		doc.Mentions[i] = common.Mention{
			ID:         p.ID,
			SourceID:   m.SourceID,
			Start:      p.Start,
			End:        p.End,
			Text:       p.Text,
			Type:       p.Type,
			Confidence: p.Confidence,
		}
	}
	for i, p := range m.Claims {
		doc.Claims[i] = pipeline.RawClaim{
			SubjectRef:    p.SubjectRef,
			Predicate:     p.Predicate,
			ObjectRef:     p.ObjectRef,
			ObjectValue:   p.ObjectValue,
			Confidence:    p.Confidence,
			Supports:      !p.Contradicts,
			DependencyTag: p.DependencyTag,
		}
	}
	return doc
}

var validate = validator.New()

// UnmarshalFlexible decodes possibly malformed JSON into the target. It
// first tries standard unmarshaling, then unwraps double-encoded strings,
// and finally repairs the input before parsing. Extractor output is not
// always clean JSON, so the queue tolerates what it can.
func UnmarshalFlexible(input string, out any) error {
	input = strings.TrimSpace(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w (input: %s)", err, input)
	}

	if err := json.Unmarshal([]byte(repaired), out); err == nil {
		return nil
	}

	return fmt.Errorf(
		"unmarshal failed after repair: input=%s repaired=%s",
		input, repaired,
	)
}
