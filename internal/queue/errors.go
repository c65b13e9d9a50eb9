package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateStageJob is returned when a non-terminal job already exists
	// for the same (document, stage kind).
	ErrDuplicateStageJob = errors.New("duplicate stage job")
	// ErrInvalidDocumentType is returned when ingestion declares an unknown type.
	ErrInvalidDocumentType = errors.New("invalid document type")
	// ErrStaleExplanationVersion is returned when a decision targets an
	// explanation version that has since been superseded.
	ErrStaleExplanationVersion = errors.New("stale explanation version")
	// ErrNotAuthorized is returned when the deciding actor is missing or not a clinician.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrDecisionExists is returned when a decision was already recorded for
	// the (document, explanation version) pair.
	ErrDecisionExists = errors.New("decision already recorded for explanation version")
	// ErrDecisionSealed is returned when attempting to modify a signed decision.
	ErrDecisionSealed = errors.New("decision is sealed")
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrDocumentNotFound is returned when a document id does not exist.
	ErrDocumentNotFound = errors.New("document not found")
)

// UnresolvedCriticalFlagError reports which High-severity flags lack a
// justified override; it unwraps to a stable sentinel for errors.Is checks.
type UnresolvedCriticalFlagError struct {
	FlagIDs []int64
}

var errUnresolvedCriticalFlag = errors.New("unresolved critical flag")

// ErrUnresolvedCriticalFlag is the sentinel matched by errors.Is for gate refusals.
var ErrUnresolvedCriticalFlag = errUnresolvedCriticalFlag

func (e *UnresolvedCriticalFlagError) Error() string {
	ids := make([]string, len(e.FlagIDs))
	for i, id := range e.FlagIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("unresolved critical flag: high severity flags without justified override: [%s]", strings.Join(ids, ", "))
}

func (e *UnresolvedCriticalFlagError) Unwrap() error { return errUnresolvedCriticalFlag }
