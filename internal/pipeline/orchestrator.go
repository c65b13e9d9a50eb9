// Package pipeline wires document intake to the stage job ladder: ingestion,
// stage chaining on success, and reprocessing of frozen documents.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"medgate/internal/config"
	"medgate/internal/logging"
	"medgate/internal/queue"
	"medgate/internal/stage"
)

// Orchestrator owns the document-level view of the pipeline. Stage execution
// lives in the workflow manager; the orchestrator decides which jobs exist.
type Orchestrator struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewOrchestrator builds an orchestrator over the shared store.
func NewOrchestrator(store *queue.Store, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, cfg: cfg, logger: logging.NewComponentLogger(logger, "pipeline")}
}

// IngestParams describes one upload.
type IngestParams struct {
	SourcePath string
	Content    []byte
	PatientID  string
	DocType    queue.DocumentType
	Actor      string
}

// Ingest fingerprints the upload, registers the document, and enqueues the
// extraction job. Re-uploading identical content returns the existing
// document without enqueueing anything.
func (o *Orchestrator) Ingest(ctx context.Context, params IngestParams) (*queue.Document, bool, error) {
	content := params.Content
	if content == nil {
		if strings.TrimSpace(params.SourcePath) == "" {
			return nil, false, errors.New("either content or a source path is required")
		}
		data, err := os.ReadFile(params.SourcePath)
		if err != nil {
			return nil, false, fmt.Errorf("read upload: %w", err)
		}
		content = data
	}
	if len(content) == 0 {
		return nil, false, errors.New("upload is empty")
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	// Keep a content-addressed copy so extraction does not depend on the
	// original upload path staying readable.
	sourcePath := params.SourcePath
	if o.cfg.Paths.StagingDir != "" {
		staged := filepath.Join(o.cfg.Paths.StagingDir, hash)
		if err := os.WriteFile(staged, content, 0o644); err != nil {
			return nil, false, fmt.Errorf("stage upload: %w", err)
		}
		if sourcePath == "" {
			sourcePath = staged
		}
	}

	doc, created, err := o.store.IngestDocument(ctx, queue.IngestParams{
		ContentHash: hash,
		PatientID:   params.PatientID,
		DocType:     params.DocType,
		SourcePath:  sourcePath,
		Actor:       params.Actor,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		o.logger.Info("duplicate upload",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.String("content_hash", hash))
		return doc, false, nil
	}

	job, err := o.store.SubmitJob(ctx, doc.ID, queue.FirstStage(), nil, o.cfg.Pipeline.MaxAttempts)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue extraction: %w", err)
	}
	o.logger.Info("document ingested",
		logging.Int64(logging.FieldDocumentID, doc.ID),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("doc_type", string(doc.DocType)))
	return doc, true, nil
}

// OnJobSucceeded chains the next stage after a success. The new job depends
// on the succeeded one, so a concurrent sweep can never run stages out of
// order. An already-queued successor is benign.
func (o *Orchestrator) OnJobSucceeded(ctx context.Context, job *queue.Job) error {
	next, ok := queue.NextStage(job.StageKind)
	if !ok {
		return nil
	}
	doc, err := o.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Frozen() {
		return nil
	}
	dependsOn := job.ID
	_, err = o.store.SubmitJob(ctx, job.DocumentID, next, &dependsOn, o.cfg.Pipeline.MaxAttempts)
	if errors.Is(err, queue.ErrDuplicateStageJob) {
		return nil
	}
	return err
}

// OnJobFailed reports a finalized failure. The store already froze the
// document; this is the operator-visible signal.
func (o *Orchestrator) OnJobFailed(ctx context.Context, job *queue.Job) {
	o.logger.Warn("document frozen",
		logging.Int64(logging.FieldDocumentID, job.DocumentID),
		logging.String(logging.FieldStage, string(job.StageKind)),
		logging.String("error_code", job.ErrorCode))
}

// Reprocess enqueues a fresh run of one stage. For a frozen document it
// clears the failure marker and re-enqueues the stage that failed. For a
// healthy document the caller names the stage; re-running explain after a
// needs-changes decision produces a new explanation version, superseding the
// prior flags and decision. Progress recorded by earlier stages is untouched.
func (o *Orchestrator) Reprocess(ctx context.Context, documentID int64, kind queue.StageKind, actor string) (*queue.Job, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, queue.ErrDocumentNotFound
	}

	frozen := doc.Frozen()
	var job *queue.Job
	if frozen {
		failedStage := doc.FailedStage
		if kind != "" && kind != failedStage {
			return nil, fmt.Errorf("document %d is frozen at %s, not %s", documentID, failedStage, kind)
		}
		if err := o.store.ClearFrozenMarker(ctx, documentID, actor); err != nil {
			return nil, err
		}
		job, err = o.store.SubmitJob(ctx, documentID, failedStage, nil, o.cfg.Pipeline.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("re-enqueue %s: %w", failedStage, err)
		}
	} else {
		if kind == "" {
			return nil, fmt.Errorf("document %d is not frozen; name the stage to re-run", documentID)
		}
		if err := rerunInputsPresent(doc, kind); err != nil {
			return nil, err
		}
		job, err = o.store.SubmitRerun(ctx, documentID, kind, actor, o.cfg.Pipeline.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("enqueue %s re-run: %w", kind, err)
		}
	}

	o.logger.Info("reprocess scheduled",
		logging.Int64(logging.FieldDocumentID, documentID),
		logging.String(logging.FieldStage, string(job.StageKind)),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Bool("was_frozen", frozen))
	return job, nil
}

// rerunInputsPresent checks that the document already carries the inputs the
// requested stage reads, so a re-run cannot be scheduled ahead of the
// pipeline's own progress.
func rerunInputsPresent(doc *queue.Document, kind queue.StageKind) error {
	switch kind {
	case queue.StageExtract:
		return nil
	case queue.StageLink:
		if doc.RawText == "" {
			return fmt.Errorf("document %d has no extracted text to link", doc.ID)
		}
	case queue.StageExplain:
		if doc.EntitiesJSON == "" {
			return fmt.Errorf("document %d has no linked entities to explain", doc.ID)
		}
	case queue.StageSafety:
		if doc.ExplanationText == "" {
			return fmt.Errorf("document %d has no explanation to check", doc.ID)
		}
	default:
		return fmt.Errorf("unknown stage kind %q", kind)
	}
	return nil
}

// StageResultFrom maps a stage response onto the store-side result for the
// job's kind.
func StageResultFrom(kind queue.StageKind, resp stage.Response, outputJSON string, latencyMS int64) queue.StageResult {
	result := queue.StageResult{OutputJSON: outputJSON, LatencyMS: latencyMS}
	switch kind {
	case queue.StageExtract:
		result.RawText = resp.RawText
	case queue.StageLink:
		result.EntitiesJSON = resp.EntitiesJSON
	case queue.StageExplain:
		result.ExplanationText = resp.ExplanationText
	case queue.StageSafety:
		flags := make([]queue.FlagInput, 0, len(resp.Flags))
		for _, flag := range resp.Flags {
			flags = append(flags, queue.FlagInput{
				Type:            flag.Type,
				Severity:        flag.Severity,
				Evidence:        flag.Evidence,
				DetectorVersion: resp.DetectorVersion,
			})
		}
		result.Flags = flags
	}
	return result
}
