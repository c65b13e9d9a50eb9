package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"medgate/internal/pipeline"
	"medgate/internal/queue"
	"medgate/internal/testsupport"
)

func newOrchestrator(t *testing.T) (*pipeline.Orchestrator, *queue.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return pipeline.NewOrchestrator(store, cfg, nil), store
}

func TestIngestEnqueuesExtraction(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "referral.pdf")
	if err := os.WriteFile(path, []byte("scanned referral bytes"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}

	doc, created, err := orch.Ingest(ctx, pipeline.IngestParams{
		SourcePath: path,
		PatientID:  "patient-7",
		DocType:    queue.DocTypeReferral,
		Actor:      "intake:reception",
	})
	if err != nil || !created {
		t.Fatalf("ingest: created=%v err=%v", created, err)
	}

	jobs, err := store.JobsForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].StageKind != queue.StageExtract || jobs[0].Status != queue.JobQueued {
		t.Fatalf("jobs = %+v", jobs)
	}

	// Identical bytes are a no-op regardless of the file name.
	copyPath := filepath.Join(t.TempDir(), "same-bytes.pdf")
	if err := os.WriteFile(copyPath, []byte("scanned referral bytes"), 0o644); err != nil {
		t.Fatalf("write copy: %v", err)
	}
	dup, created, err := orch.Ingest(ctx, pipeline.IngestParams{
		SourcePath: copyPath,
		PatientID:  "patient-7",
		DocType:    queue.DocTypeReferral,
	})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if created || dup.ID != doc.ID {
		t.Fatalf("duplicate: created=%v id=%d want id=%d", created, dup.ID, doc.ID)
	}
	jobs, _ = store.JobsForDocument(ctx, doc.ID)
	if len(jobs) != 1 {
		t.Fatalf("duplicate ingest enqueued work: %+v", jobs)
	}
}

func TestOnJobSucceededChainsNextStage(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	doc, _, err := orch.Ingest(ctx, pipeline.IngestParams{
		Content:   []byte("inline content"),
		PatientID: "patient-7",
		DocType:   queue.DocTypeClinicalNote,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	job, err := store.ClaimJob(ctx, "w")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := store.CompleteJob(ctx, job.ID, job.AttemptToken, queue.StageResult{RawText: "text"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := orch.OnJobSucceeded(ctx, done); err != nil {
		t.Fatalf("chain: %v", err)
	}

	jobs, _ := store.JobsForDocument(ctx, doc.ID)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}
	link := jobs[1]
	if link.StageKind != queue.StageLink || link.DependsOn == nil || *link.DependsOn != job.ID {
		t.Fatalf("link job = %+v", link)
	}

	// Chaining twice for the same success is a no-op.
	if err := orch.OnJobSucceeded(ctx, done); err != nil {
		t.Fatalf("re-chain: %v", err)
	}
	jobs, _ = store.JobsForDocument(ctx, doc.ID)
	if len(jobs) != 2 {
		t.Fatalf("duplicate chain created jobs: %+v", jobs)
	}
}

func TestReprocessReenqueuesFailedStage(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	doc, _, err := orch.Ingest(ctx, pipeline.IngestParams{
		Content:   []byte("frozen content"),
		PatientID: "patient-7",
		DocType:   queue.DocTypeLabReport,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	job, _ := store.ClaimJob(ctx, "w")
	if _, err := store.FailJob(ctx, queue.FailParams{
		JobID:        job.ID,
		AttemptToken: job.AttemptToken,
		ErrorCode:    "unreadable_scan",
		Class:        queue.FailureClassPermanent,
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	requeued, err := orch.Reprocess(ctx, doc.ID, "", "admin:ops")
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if requeued.StageKind != queue.StageExtract || requeued.Status != queue.JobQueued {
		t.Fatalf("requeued = %+v", requeued)
	}

	thawed, _ := store.GetDocument(ctx, doc.ID)
	if thawed.Frozen() {
		t.Fatalf("document still frozen: %+v", thawed)
	}

	// An unfrozen document needs an explicit stage to re-run.
	if _, err := orch.Reprocess(ctx, doc.ID, "", "admin:ops"); err == nil {
		t.Fatal("reprocess of unfrozen document without a stage accepted")
	}
}

// runStage claims the next queued job, completes it with the given result,
// and lets the orchestrator chain the successor.
func runStage(t *testing.T, orch *pipeline.Orchestrator, store *queue.Store, result queue.StageResult) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := store.ClaimJob(ctx, "w")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	done, err := store.CompleteJob(ctx, job.ID, job.AttemptToken, result)
	if err != nil {
		t.Fatalf("complete %s: %v", job.StageKind, err)
	}
	if err := orch.OnJobSucceeded(ctx, done); err != nil {
		t.Fatalf("chain after %s: %v", job.StageKind, err)
	}
	return done
}

func TestReprocessExplainAfterNeedsChanges(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	doc, _, err := orch.Ingest(ctx, pipeline.IngestParams{
		Content:   []byte("discharge notes"),
		PatientID: "patient-9",
		DocType:   queue.DocTypeDischargeSummary,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	runStage(t, orch, store, queue.StageResult{RawText: "patient may resume light activity"})
	runStage(t, orch, store, queue.StageResult{EntitiesJSON: `{"meds":[]}`})
	runStage(t, orch, store, queue.StageResult{ExplanationText: "You may resume light activity."})
	runStage(t, orch, store, queue.StageResult{})

	if _, err := store.RecordDecision(ctx, queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: 1,
		Kind:               queue.DecisionNeedsChanges,
		Notes:              "mention the follow-up appointment",
		Actor:              "clinician:dr-lee",
		MinJustification:   20,
	}); err != nil {
		t.Fatalf("needs-changes decision: %v", err)
	}

	// Re-running explain on the healthy document must be possible.
	rerun, err := orch.Reprocess(ctx, doc.ID, queue.StageExplain, "clinician:dr-lee")
	if err != nil {
		t.Fatalf("reprocess explain: %v", err)
	}
	if rerun.StageKind != queue.StageExplain || rerun.Status != queue.JobQueued {
		t.Fatalf("rerun job = %+v", rerun)
	}

	runStage(t, orch, store, queue.StageResult{ExplanationText: "You may resume light activity. Attend the follow-up on Friday."})
	runStage(t, orch, store, queue.StageResult{})

	current, _ := store.GetDocument(ctx, doc.ID)
	if current.ExplanationVersion != 2 || current.Status != queue.DocStatusChecked {
		t.Fatalf("document = %+v", current)
	}

	// The needs-changes decision was superseded; a fresh decision on the new
	// version goes through.
	if active, err := store.ActiveDecision(ctx, doc.ID, 2); err != nil || active != nil {
		t.Fatalf("active decision = %+v err=%v", active, err)
	}
	decision, err := store.RecordDecision(ctx, queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: 2,
		Kind:               queue.DecisionApproved,
		Actor:              "clinician:dr-lee",
		MinJustification:   20,
	})
	if err != nil {
		t.Fatalf("approve new version: %v", err)
	}
	if decision.ExplanationVersion != 2 {
		t.Fatalf("decision = %+v", decision)
	}

	entries, err := store.AuditByObject(ctx, queue.ObjectDocument, doc.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var rerunAudited bool
	for _, entry := range entries {
		if entry.Action == queue.AuditDocumentReprocess && entry.Actor == "clinician:dr-lee" {
			rerunAudited = true
		}
	}
	if !rerunAudited {
		t.Fatalf("re-run request not audited: %+v", entries)
	}
}

func TestReprocessStageNeedsItsInputs(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	doc, _, err := orch.Ingest(ctx, pipeline.IngestParams{
		Content:   []byte("just uploaded"),
		PatientID: "patient-9",
		DocType:   queue.DocTypeClinicalNote,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// No explanation exists yet, so an explain re-run has nothing to work on.
	if _, err := orch.Reprocess(ctx, doc.ID, queue.StageExplain, "admin:ops"); err == nil {
		t.Fatal("explain re-run accepted without linked entities")
	}
	jobs, _ := store.JobsForDocument(ctx, doc.ID)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
}
