package queue

import (
	"strings"
	"time"
)

// DocumentStatus represents the processing lifecycle of a clinical document.
// The ladder is monotonically forward; a permanent stage failure freezes the
// document at its last reached status instead of overwriting it.
type DocumentStatus string

const (
	DocStatusUploaded  DocumentStatus = "uploaded"
	DocStatusProcessed DocumentStatus = "processed"
	DocStatusExplained DocumentStatus = "explained"
	DocStatusChecked   DocumentStatus = "checked"
	DocStatusArchived  DocumentStatus = "archived"
)

var allDocumentStatuses = []DocumentStatus{
	DocStatusUploaded,
	DocStatusProcessed,
	DocStatusExplained,
	DocStatusChecked,
	DocStatusArchived,
}

// ParseDocumentStatus converts a string into a known DocumentStatus.
func ParseDocumentStatus(value string) (DocumentStatus, bool) {
	normalized := DocumentStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allDocumentStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// DocumentType is the declared kind of an uploaded clinical artifact.
type DocumentType string

const (
	DocTypeReferral         DocumentType = "referral"
	DocTypeDischargeSummary DocumentType = "discharge_summary"
	DocTypePrescription     DocumentType = "prescription"
	DocTypeLabReport        DocumentType = "lab_report"
	DocTypeImagingReport    DocumentType = "imaging_report"
	DocTypeClinicalNote     DocumentType = "clinical_note"
)

var documentTypeSet = map[DocumentType]struct{}{
	DocTypeReferral:         {},
	DocTypeDischargeSummary: {},
	DocTypePrescription:     {},
	DocTypeLabReport:        {},
	DocTypeImagingReport:    {},
	DocTypeClinicalNote:     {},
}

// ParseDocumentType converts a string into a known DocumentType.
func ParseDocumentType(value string) (DocumentType, bool) {
	normalized := DocumentType(strings.ToLower(strings.TrimSpace(value)))
	_, ok := documentTypeSet[normalized]
	return normalized, ok
}

// StageKind identifies one automated analysis stage. The kinds form a fixed
// linear dependency order; a stage's job becomes claimable only after its
// predecessor's job succeeded.
type StageKind string

const (
	StageExtract StageKind = "extract"
	StageLink    StageKind = "link"
	StageExplain StageKind = "explain"
	StageSafety  StageKind = "safety_check"
)

var stageOrder = []StageKind{StageExtract, StageLink, StageExplain, StageSafety}

// FirstStage returns the entry stage of the pipeline.
func FirstStage() StageKind { return stageOrder[0] }

// StageOrder returns the fixed pipeline stage sequence.
func StageOrder() []StageKind {
	cp := make([]StageKind, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// NextStage returns the stage that depends on kind, if any.
func NextStage(kind StageKind) (StageKind, bool) {
	for i, s := range stageOrder {
		if s == kind && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// ParseStageKind converts a string into a known StageKind.
func ParseStageKind(value string) (StageKind, bool) {
	normalized := StageKind(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range stageOrder {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// StatusAfter maps a succeeded stage to the document status it establishes.
// Extraction stores raw text without advancing the ladder.
func StatusAfter(kind StageKind) (DocumentStatus, bool) {
	switch kind {
	case StageLink:
		return DocStatusProcessed, true
	case StageExplain:
		return DocStatusExplained, true
	case StageSafety:
		return DocStatusChecked, true
	default:
		return "", false
	}
}

// JobStatus represents the lifecycle of a processing job. Terminal states are
// immutable; a re-run creates a new job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether a job status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Document is one uploaded clinical artifact tracked through the pipeline.
type Document struct {
	ID                 int64
	ContentHash        string
	PatientID          string
	DocType            DocumentType
	SourcePath         string
	RawText            string
	EntitiesJSON       string
	ExplanationText    string
	ExplanationHash    string
	ExplanationVersion int64
	Status             DocumentStatus
	FailedStage        StageKind
	FailureCode        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Frozen reports whether pipeline progress for the document has halted on a
// permanent failure or an exhausted retry budget.
func (d Document) Frozen() bool {
	return d.FailedStage != ""
}

// Job is one (document, stage kind) unit of work.
type Job struct {
	ID              int64
	DocumentID      int64
	StageKind       StageKind
	Status          JobStatus
	Attempt         int
	MaxAttempts     int
	DependsOn       *int64
	AttemptToken    string
	Worker          string
	OutputJSON      string
	ErrorCode       string
	FailureClass    string
	LatencyMS       int64
	PipelineVersion string
	NotBefore       *time.Time
	LastHeartbeat   *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// FlagType is the fixed taxonomy of safety findings.
type FlagType string

const (
	FlagContraindication FlagType = "contraindication"
	FlagEmergency        FlagType = "emergency"
	FlagAllergy          FlagType = "allergy"
	FlagInteraction      FlagType = "interaction"
)

// Severity ranks a safety flag. High blocks approval without an override.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// Rank returns the numeric ordering of a severity (higher is worse).
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns the effective severity of a flag set for gating
// purposes: the maximum element, or empty for an empty set.
func MaxSeverity(flags []*SafetyFlag) Severity {
	var max Severity
	for _, flag := range flags {
		if flag == nil {
			continue
		}
		if max == "" || flag.Severity.Rank() > max.Rank() {
			max = flag.Severity
		}
	}
	return max
}

// SafetyFlag is a finding attached to one explanation version. Immutable once
// created; re-running the safety stage supersedes the whole set.
type SafetyFlag struct {
	ID                 int64
	DocumentID         int64
	ExplanationVersion int64
	Type               FlagType
	Severity           Severity
	Evidence           string
	DetectorVersion    string
	Superseded         bool
	CreatedAt          time.Time
}

// DecisionKind is a clinician's gate action.
type DecisionKind string

const (
	DecisionApproved     DecisionKind = "approved"
	DecisionRejected     DecisionKind = "rejected"
	DecisionNeedsChanges DecisionKind = "needs_changes"
)

// ParseDecisionKind converts a string into a known DecisionKind.
func ParseDecisionKind(value string) (DecisionKind, bool) {
	normalized := DecisionKind(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case DecisionApproved, DecisionRejected, DecisionNeedsChanges:
		return normalized, true
	}
	return "", false
}

// Decision is the clinician's recorded gate action on one explanation version.
type Decision struct {
	ID                 int64
	DocumentID         int64
	ExplanationVersion int64
	Decision           DecisionKind
	Notes              string
	Actor              string
	SignatureRef       string
	PipelineVersion    string
	Superseded         bool
	CreatedAt          time.Time
	SignedAt           *time.Time
}

// Sealed reports whether the decision record is immutable.
func (d Decision) Sealed() bool { return d.SignedAt != nil }

// Override is a clinician-authored justification permitting approval despite
// an unresolved High-severity flag.
type Override struct {
	ID            int64
	DecisionID    int64
	FlagID        int64
	Justification string
	CreatedAt     time.Time
}

// HealthSummary describes aggregated job counts per key lifecycle state.
type HealthSummary struct {
	Total     int
	Queued    int
	Running   int
	Succeeded int
	Failed    int
}
