// Package stage defines the execution contract for pipeline stages and the
// executors that fulfil it.
package stage

import (
	"context"

	"medgate/internal/queue"
)

// Request carries everything an executor needs to run one stage attempt.
type Request struct {
	Kind               queue.StageKind `json:"kind"`
	DocumentID         int64           `json:"document_id"`
	ContentHash        string          `json:"content_hash"`
	PatientID          string          `json:"patient_id"`
	DocType            string          `json:"doc_type"`
	SourcePath         string          `json:"source_path,omitempty"`
	RawText            string          `json:"raw_text,omitempty"`
	EntitiesJSON       string          `json:"entities_json,omitempty"`
	ExplanationText    string          `json:"explanation_text,omitempty"`
	ExplanationVersion int64           `json:"explanation_version"`
}

// Flag is one safety finding emitted by a safety executor.
type Flag struct {
	Type     queue.FlagType `json:"type"`
	Severity queue.Severity `json:"severity"`
	Evidence string         `json:"evidence,omitempty"`
}

// Response is the structured output of one stage attempt. Fields are
// stage-specific; only the field matching the request's kind is read.
type Response struct {
	RawText         string `json:"raw_text,omitempty"`
	EntitiesJSON    string `json:"entities_json,omitempty"`
	ExplanationText string `json:"explanation_text,omitempty"`
	Flags           []Flag `json:"flags,omitempty"`
	DetectorVersion string `json:"detector_version,omitempty"`
}

// Executor runs one stage attempt. Implementations classify their failures
// through the services error markers so the scheduler can distinguish
// retryable from permanent conditions.
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// BuildRequest assembles a stage request from the current document row.
func BuildRequest(kind queue.StageKind, doc *queue.Document) Request {
	return Request{
		Kind:               kind,
		DocumentID:         doc.ID,
		ContentHash:        doc.ContentHash,
		PatientID:          doc.PatientID,
		DocType:            string(doc.DocType),
		SourcePath:         doc.SourcePath,
		RawText:            doc.RawText,
		EntitiesJSON:       doc.EntitiesJSON,
		ExplanationText:    doc.ExplanationText,
		ExplanationVersion: doc.ExplanationVersion,
	}
}
