package aggregate

import "fmt"

// InsufficientEvidenceError reports an aggregation request over a claim
// with no evidence. The claim's posterior is left untouched.
type InsufficientEvidenceError struct {
	ClaimID string
}

func (e *InsufficientEvidenceError) Error() string {
	return fmt.Sprintf("claim %s has no evidence to aggregate", e.ClaimID)
}

// DependencyDetectionError reports that the detector failed. Aggregation
// falls back to treating all evidence as one fully dependent cluster and
// marks the result low trust; the error is returned alongside so callers
// see the degradation.
type DependencyDetectionError struct {
	ClaimID string
	Err     error
}

func (e *DependencyDetectionError) Error() string {
	return fmt.Sprintf("dependency detection failed for claim %s: %v", e.ClaimID, e.Err)
}

func (e *DependencyDetectionError) Unwrap() error { return e.Err }
