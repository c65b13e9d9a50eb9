package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"medgate/internal/queue"
	"medgate/internal/testsupport"
)

func newStore(t *testing.T) *queue.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return testsupport.MustOpenStore(t, cfg)
}

func mustIngest(t *testing.T, store *queue.Store, hash string) *queue.Document {
	t.Helper()
	doc, created, err := store.IngestDocument(context.Background(), queue.IngestParams{
		ContentHash: hash,
		PatientID:   "patient-1",
		DocType:     queue.DocTypeDischargeSummary,
		Actor:       "intake:reception",
	})
	if err != nil {
		t.Fatalf("ingest document: %v", err)
	}
	if !created {
		t.Fatalf("expected new document for hash %s", hash)
	}
	return doc
}

func TestIngestDocumentIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	doc := mustIngest(t, store, "hash-a")
	if doc.Status != queue.DocStatusUploaded {
		t.Fatalf("status = %s, want uploaded", doc.Status)
	}

	again, created, err := store.IngestDocument(ctx, queue.IngestParams{
		ContentHash: "hash-a",
		PatientID:   "patient-1",
		DocType:     queue.DocTypeDischargeSummary,
		Actor:       "intake:reception",
	})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if created {
		t.Fatal("duplicate upload reported as created")
	}
	if again.ID != doc.ID {
		t.Fatalf("duplicate returned document %d, want %d", again.ID, doc.ID)
	}

	entries, err := store.AuditByObject(ctx, queue.ObjectDocument, doc.ID)
	if err != nil {
		t.Fatalf("audit by object: %v", err)
	}
	actions := auditActions(entries)
	if len(actions) != 2 || actions[0] != queue.AuditDocumentIngested || actions[1] != queue.AuditDocumentDuplicate {
		t.Fatalf("audit actions = %v", actions)
	}
}

func TestIngestDocumentRejectsUnknownType(t *testing.T) {
	store := newStore(t)

	_, _, err := store.IngestDocument(context.Background(), queue.IngestParams{
		ContentHash: "hash-b",
		PatientID:   "patient-1",
		DocType:     "sticky_note",
	})
	if !errors.Is(err, queue.ErrInvalidDocumentType) {
		t.Fatalf("err = %v, want ErrInvalidDocumentType", err)
	}
}

func TestAuditByActorWindow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mustIngest(t, store, "hash-c")

	entries, err := store.AuditByActor(ctx, "intake:reception", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("audit by actor: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != queue.AuditDocumentIngested {
		t.Fatalf("entries = %v", auditActions(entries))
	}
	if entries[0].DetailsHash == "" {
		t.Fatal("audit entry missing details hash")
	}
}

func auditActions(entries []*queue.AuditEntry) []string {
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}
