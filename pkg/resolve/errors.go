package resolve

import (
	"fmt"
	"strings"
)

// AmbiguousResolutionError reports that two or more candidate entities
// tied within the configured epsilon band for a mention. The mention was
// attached to the highest-confidence candidate and that entity's identity
// confidence was penalized; the error exists so callers can see that the
// ambiguity was retained rather than silently resolved.
type AmbiguousResolutionError struct {
	MentionID    string
	SourceID     string
	ChosenID     string
	CandidateIDs []string
	Scores       []float64
}

func (e *AmbiguousResolutionError) Error() string {
	return fmt.Sprintf(
		"ambiguous resolution for mention %s (source %s): candidates [%s] tied, attached to %s with penalty",
		e.MentionID, e.SourceID, strings.Join(e.CandidateIDs, ", "), e.ChosenID,
	)
}
