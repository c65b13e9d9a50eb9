package queue_test

import (
	"context"
	"errors"
	"testing"

	"medgate/internal/queue"
)

// checkedDocument walks a document through the full stage ladder, attaching
// the given flags at the safety check.
func checkedDocument(t *testing.T, store *queue.Store, hash string, flags ...queue.FlagInput) *queue.Document {
	t.Helper()
	ctx := context.Background()

	doc := mustIngest(t, store, hash)
	runStage(t, store, doc.ID, queue.StageExtract, queue.StageResult{RawText: "raw"})
	runStage(t, store, doc.ID, queue.StageLink, queue.StageResult{EntitiesJSON: `{}`})
	runStage(t, store, doc.ID, queue.StageExplain, queue.StageResult{ExplanationText: "Take with food."})
	runStage(t, store, doc.ID, queue.StageSafety, queue.StageResult{Flags: flags})

	current, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("reload document: %v", err)
	}
	if current.Status != queue.DocStatusChecked {
		t.Fatalf("status = %s, want checked", current.Status)
	}
	return current
}

func TestApproveBlockedByUnresolvedHighFlag(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := checkedDocument(t, store, "dec-blocked", queue.FlagInput{
		Type:            queue.FlagContraindication,
		Severity:        queue.SeverityHigh,
		Evidence:        "do not take with lithium",
		DetectorVersion: "test",
	})
	flags, _ := store.ActiveFlags(ctx, doc.ID, doc.ExplanationVersion)
	flagID := flags[0].ID

	params := queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: doc.ExplanationVersion,
		Kind:               queue.DecisionApproved,
		Actor:              "clinician:dr-ada",
		MinJustification:   20,
	}

	_, err := store.RecordDecision(ctx, params)
	if !errors.Is(err, queue.ErrUnresolvedCriticalFlag) {
		t.Fatalf("err = %v, want ErrUnresolvedCriticalFlag", err)
	}
	var unresolved *queue.UnresolvedCriticalFlagError
	if !errors.As(err, &unresolved) || len(unresolved.FlagIDs) != 1 || unresolved.FlagIDs[0] != flagID {
		t.Fatalf("unresolved = %+v", unresolved)
	}

	// A justification below the minimum does not count as an override.
	params.Overrides = []queue.OverrideInput{{FlagID: flagID, Justification: "fine"}}
	if _, err := store.RecordDecision(ctx, params); !errors.Is(err, queue.ErrUnresolvedCriticalFlag) {
		t.Fatalf("short justification: err = %v", err)
	}

	// Refusals leave the audit trail but no decision row.
	entries, _ := store.AuditByObject(ctx, queue.ObjectDocument, doc.ID)
	refusals := 0
	for _, entry := range entries {
		if entry.Action == queue.AuditApprovalRefused {
			refusals++
		}
	}
	if refusals != 2 {
		t.Fatalf("refusals audited = %d, want 2", refusals)
	}
	decisions, _ := store.DecisionsForDocument(ctx, doc.ID)
	if len(decisions) != 0 {
		t.Fatalf("decisions = %+v", decisions)
	}

	params.Overrides = []queue.OverrideInput{{
		FlagID:        flagID,
		Justification: "Reviewed against the current medication list; no lithium on record.",
	}}
	decision, err := store.RecordDecision(ctx, params)
	if err != nil {
		t.Fatalf("approve with override: %v", err)
	}
	if decision.Decision != queue.DecisionApproved {
		t.Fatalf("decision = %s", decision.Decision)
	}

	overrides, _ := store.OverridesForDecision(ctx, decision.ID)
	if len(overrides) != 1 || overrides[0].FlagID != flagID {
		t.Fatalf("overrides = %+v", overrides)
	}

	archived, _ := store.GetDocument(ctx, doc.ID)
	if archived.Status != queue.DocStatusArchived {
		t.Fatalf("status = %s, want archived", archived.Status)
	}
}

func TestApproveCleanDocument(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := checkedDocument(t, store, "dec-clean")

	decision, err := store.RecordDecision(ctx, queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: doc.ExplanationVersion,
		Kind:               queue.DecisionApproved,
		Actor:              "clinician:dr-ada",
		MinJustification:   20,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decision.Sealed() {
		t.Fatal("decision sealed before signing")
	}
}

func TestDecisionStaleVersionRefused(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := checkedDocument(t, store, "dec-stale")

	_, err := store.RecordDecision(ctx, queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: doc.ExplanationVersion + 1,
		Kind:               queue.DecisionApproved,
		Actor:              "clinician:dr-ada",
		MinJustification:   20,
	})
	if !errors.Is(err, queue.ErrStaleExplanationVersion) {
		t.Fatalf("err = %v, want ErrStaleExplanationVersion", err)
	}
}

func TestSecondDecisionRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := checkedDocument(t, store, "dec-second")

	params := queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: doc.ExplanationVersion,
		Kind:               queue.DecisionRejected,
		Notes:              "wrong patient context",
		Actor:              "clinician:dr-ada",
		MinJustification:   20,
	}
	if _, err := store.RecordDecision(ctx, params); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	if _, err := store.RecordDecision(ctx, params); !errors.Is(err, queue.ErrDecisionExists) {
		t.Fatalf("err = %v, want ErrDecisionExists", err)
	}
}

func TestRejectionRequiresNotes(t *testing.T) {
	store := newStore(t)
	doc := checkedDocument(t, store, "dec-notes")

	_, err := store.RecordDecision(context.Background(), queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: doc.ExplanationVersion,
		Kind:               queue.DecisionNeedsChanges,
		Actor:              "clinician:dr-ada",
		MinJustification:   20,
	})
	if err == nil {
		t.Fatal("needs_changes without notes accepted")
	}
}

func TestSignDecisionSeals(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	doc := checkedDocument(t, store, "dec-sign")

	decision, err := store.RecordDecision(ctx, queue.DecisionParams{
		DocumentID:         doc.ID,
		ExplanationVersion: doc.ExplanationVersion,
		Kind:               queue.DecisionApproved,
		Actor:              "clinician:dr-ada",
		MinJustification:   20,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	signed, err := store.SignDecision(ctx, decision.ID, "sig-ref-001", "clinician:dr-ada")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !signed.Sealed() || signed.SignatureRef != "sig-ref-001" {
		t.Fatalf("signed = %+v", signed)
	}

	if _, err := store.SignDecision(ctx, decision.ID, "sig-ref-002", "clinician:dr-ada"); !errors.Is(err, queue.ErrDecisionSealed) {
		t.Fatalf("re-sign err = %v, want ErrDecisionSealed", err)
	}

	entries, _ := store.AuditByObject(ctx, queue.ObjectDecision, decision.ID)
	actions := auditActions(entries)
	if len(actions) != 2 || actions[0] != queue.AuditDecisionRecorded || actions[1] != queue.AuditDecisionSigned {
		t.Fatalf("audit actions = %v", actions)
	}
}
