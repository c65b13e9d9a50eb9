package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"medgate/internal/queue"
)

// runStage submits, claims, and completes one stage for a document.
func runStage(t *testing.T, store *queue.Store, docID int64, kind queue.StageKind, result queue.StageResult) *queue.Job {
	t.Helper()
	ctx := context.Background()

	if _, err := store.SubmitJob(ctx, docID, kind, nil, 3); err != nil {
		t.Fatalf("submit %s: %v", kind, err)
	}
	claimed, err := store.ClaimJob(ctx, "test-worker")
	if err != nil {
		t.Fatalf("claim %s: %v", kind, err)
	}
	if claimed == nil || claimed.StageKind != kind {
		t.Fatalf("claimed %+v, want stage %s", claimed, kind)
	}
	done, err := store.CompleteJob(ctx, claimed.ID, claimed.AttemptToken, result)
	if err != nil {
		t.Fatalf("complete %s: %v", kind, err)
	}
	return done
}

func TestSubmitJobDuplicateGuard(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-dup")

	if _, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 3); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 3)
	if !errors.Is(err, queue.ErrDuplicateStageJob) {
		t.Fatalf("err = %v, want ErrDuplicateStageJob", err)
	}
}

func TestClaimHonorsDependency(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-dep")

	extract, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 3)
	if err != nil {
		t.Fatalf("submit extract: %v", err)
	}
	dependsOn := extract.ID
	if _, err := store.SubmitJob(ctx, doc.ID, queue.StageLink, &dependsOn, 3); err != nil {
		t.Fatalf("submit link: %v", err)
	}

	first, err := store.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.StageKind != queue.StageExtract {
		t.Fatalf("claimed %s first, want extract", first.StageKind)
	}

	// Link depends on extract, which is still running.
	blocked, err := store.ClaimJob(ctx, "w2")
	if err != nil {
		t.Fatalf("claim blocked: %v", err)
	}
	if blocked != nil {
		t.Fatalf("claimed %s while dependency pending", blocked.StageKind)
	}

	if _, err := store.CompleteJob(ctx, first.ID, first.AttemptToken, queue.StageResult{RawText: "text"}); err != nil {
		t.Fatalf("complete extract: %v", err)
	}
	next, err := store.ClaimJob(ctx, "w2")
	if err != nil {
		t.Fatalf("claim link: %v", err)
	}
	if next == nil || next.StageKind != queue.StageLink {
		t.Fatalf("claimed %+v, want link", next)
	}
}

func TestCompleteJobAdvancesDocument(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-ladder")

	runStage(t, store, doc.ID, queue.StageExtract, queue.StageResult{RawText: "raw text"})
	current, _ := store.GetDocument(ctx, doc.ID)
	if current.Status != queue.DocStatusUploaded || current.RawText != "raw text" {
		t.Fatalf("after extract: status=%s raw=%q", current.Status, current.RawText)
	}

	runStage(t, store, doc.ID, queue.StageLink, queue.StageResult{EntitiesJSON: `{"meds":[]}`})
	current, _ = store.GetDocument(ctx, doc.ID)
	if current.Status != queue.DocStatusProcessed {
		t.Fatalf("after link: status=%s", current.Status)
	}

	runStage(t, store, doc.ID, queue.StageExplain, queue.StageResult{ExplanationText: "Take one tablet daily."})
	current, _ = store.GetDocument(ctx, doc.ID)
	if current.Status != queue.DocStatusExplained || current.ExplanationVersion != 1 {
		t.Fatalf("after explain: status=%s version=%d", current.Status, current.ExplanationVersion)
	}

	runStage(t, store, doc.ID, queue.StageSafety, queue.StageResult{Flags: []queue.FlagInput{{
		Type:            queue.FlagInteraction,
		Severity:        queue.SeverityMedium,
		Evidence:        "may interact with warfarin",
		DetectorVersion: "test",
	}}})
	current, _ = store.GetDocument(ctx, doc.ID)
	if current.Status != queue.DocStatusChecked {
		t.Fatalf("after safety: status=%s", current.Status)
	}

	flags, err := store.ActiveFlags(ctx, doc.ID, current.ExplanationVersion)
	if err != nil {
		t.Fatalf("active flags: %v", err)
	}
	if len(flags) != 1 || flags[0].Severity != queue.SeverityMedium {
		t.Fatalf("flags = %+v", flags)
	}
}

func TestExplainRerunSupersedesFlagsAndDecisions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-rerun")

	runStage(t, store, doc.ID, queue.StageExtract, queue.StageResult{RawText: "raw"})
	runStage(t, store, doc.ID, queue.StageLink, queue.StageResult{EntitiesJSON: `{}`})
	runStage(t, store, doc.ID, queue.StageExplain, queue.StageResult{ExplanationText: "version one"})
	runStage(t, store, doc.ID, queue.StageSafety, queue.StageResult{Flags: []queue.FlagInput{{
		Type: queue.FlagAllergy, Severity: queue.SeverityLow, DetectorVersion: "test",
	}}})

	decision, err := store.RecordDecision(ctx, queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: 1,
		Kind:               queue.DecisionNeedsChanges,
		Notes:              "simplify the dosage wording",
		Actor:              "clinician:dr-ada",
		MinJustification:   20,
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}

	runStage(t, store, doc.ID, queue.StageExplain, queue.StageResult{ExplanationText: "version two"})

	current, _ := store.GetDocument(ctx, doc.ID)
	if current.ExplanationVersion != 2 {
		t.Fatalf("version = %d, want 2", current.ExplanationVersion)
	}
	// Status keeps the furthest rung already reached.
	if current.Status != queue.DocStatusChecked {
		t.Fatalf("status = %s, want checked", current.Status)
	}

	flags, _ := store.ActiveFlags(ctx, doc.ID, 1)
	if len(flags) != 0 {
		t.Fatalf("version 1 still has %d active flags", len(flags))
	}
	all, _ := store.FlagsForDocument(ctx, doc.ID)
	if len(all) != 1 || !all[0].Superseded {
		t.Fatalf("flags = %+v", all)
	}

	updated, _ := store.DecisionsForDocument(ctx, doc.ID)
	if len(updated) != 1 || !updated[0].Superseded {
		t.Fatalf("decisions = %+v", updated)
	}
	if updated[0].ID != decision.ID {
		t.Fatalf("decision id changed: %d -> %d", decision.ID, updated[0].ID)
	}
}

func TestFailJobRetriesThenFreezes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-retry")

	if _, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 2); err != nil {
		t.Fatalf("submit: %v", err)
	}

	first, err := store.ClaimJob(ctx, "w1")
	if err != nil || first == nil {
		t.Fatalf("claim: %v %v", first, err)
	}
	retried, err := store.FailJob(ctx, queue.FailParams{
		JobID:        first.ID,
		AttemptToken: first.AttemptToken,
		ErrorCode:    "ocr_flake",
		Class:        queue.FailureClassTransient,
	})
	if err != nil || !retried {
		t.Fatalf("first failure: retried=%v err=%v", retried, err)
	}

	second, err := store.ClaimJob(ctx, "w1")
	if err != nil || second == nil {
		t.Fatalf("reclaim: %v %v", second, err)
	}
	if second.ID != first.ID || second.Attempt != 2 {
		t.Fatalf("reclaimed job %d attempt %d, want job %d attempt 2", second.ID, second.Attempt, first.ID)
	}
	if second.AttemptToken == first.AttemptToken {
		t.Fatal("attempt token was not rotated")
	}

	retried, err = store.FailJob(ctx, queue.FailParams{
		JobID:        second.ID,
		AttemptToken: second.AttemptToken,
		ErrorCode:    "ocr_flake",
		Class:        queue.FailureClassTransient,
	})
	if err != nil || retried {
		t.Fatalf("second failure: retried=%v err=%v", retried, err)
	}

	final, _ := store.GetJob(ctx, second.ID)
	if final.Status != queue.JobFailed {
		t.Fatalf("job status = %s, want failed", final.Status)
	}
	frozen, _ := store.GetDocument(ctx, doc.ID)
	if !frozen.Frozen() || frozen.FailedStage != queue.StageExtract {
		t.Fatalf("document not frozen: %+v", frozen)
	}
	if frozen.Status != queue.DocStatusUploaded {
		t.Fatalf("freeze overwrote status: %s", frozen.Status)
	}

	// Frozen documents are skipped by the claimer even with queued jobs.
	if _, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 2); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	blocked, err := store.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("claim frozen: %v", err)
	}
	if blocked != nil {
		t.Fatalf("claimed job %d for frozen document", blocked.ID)
	}
}

func TestPermanentFailureFreezesImmediately(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-permanent")

	if _, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 3); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, _ := store.ClaimJob(ctx, "w1")
	retried, err := store.FailJob(ctx, queue.FailParams{
		JobID:        job.ID,
		AttemptToken: job.AttemptToken,
		ErrorCode:    "unreadable_scan",
		Class:        queue.FailureClassPermanent,
	})
	if err != nil || retried {
		t.Fatalf("permanent failure: retried=%v err=%v", retried, err)
	}
	frozen, _ := store.GetDocument(ctx, doc.ID)
	if !frozen.Frozen() || frozen.FailureCode != "unreadable_scan" {
		t.Fatalf("document = %+v", frozen)
	}
}

func TestSweepDiscardsLateResults(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-late")

	if _, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 3); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, _ := store.ClaimJob(ctx, "w1")

	// A cutoff ahead of the claim timestamp treats the job as stalled.
	swept, err := store.SweepTimedOut(ctx, time.Now().Add(time.Minute), 0)
	if err != nil || swept != 1 {
		t.Fatalf("sweep: swept=%d err=%v", swept, err)
	}

	requeued, _ := store.GetJob(ctx, job.ID)
	if requeued.Status != queue.JobQueued || requeued.Attempt != 2 {
		t.Fatalf("after sweep: %+v", requeued)
	}

	// The original worker reports success after the sweep reclaimed its job.
	_, err = store.CompleteJob(ctx, job.ID, job.AttemptToken, queue.StageResult{RawText: "late"})
	if !errors.Is(err, queue.ErrStaleAttempt) {
		t.Fatalf("err = %v, want ErrStaleAttempt", err)
	}

	entries, _ := store.AuditByObject(ctx, queue.ObjectJob, job.ID)
	actions := auditActions(entries)
	var sawTimeout, sawLate bool
	for _, action := range actions {
		if action == queue.AuditJobTimeout {
			sawTimeout = true
		}
		if action == queue.AuditJobLateResult {
			sawLate = true
		}
	}
	if !sawTimeout || !sawLate {
		t.Fatalf("audit actions = %v", actions)
	}

	current, _ := store.GetDocument(ctx, doc.ID)
	if current.RawText != "" {
		t.Fatalf("late result mutated document: %q", current.RawText)
	}
}

func TestRetryBackoffDelaysClaim(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := mustIngest(t, store, "jobs-backoff")

	if _, err := store.SubmitJob(ctx, doc.ID, queue.StageExtract, nil, 3); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, _ := store.ClaimJob(ctx, "w1")
	if _, err := store.FailJob(ctx, queue.FailParams{
		JobID:        job.ID,
		AttemptToken: job.AttemptToken,
		ErrorCode:    "flake",
		Class:        queue.FailureClassTransient,
		Backoff:      time.Hour,
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	blocked, err := store.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if blocked != nil {
		t.Fatalf("claimed job %d inside backoff window", blocked.ID)
	}
}
