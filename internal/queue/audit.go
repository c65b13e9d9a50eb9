package queue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Audit action verbs. Every state transition writes exactly one entry; the
// verb names what happened, not who asked for it.
const (
	AuditDocumentIngested   = "document.ingested"
	AuditDocumentDuplicate  = "document.duplicate_upload"
	AuditDocumentFrozen     = "document.frozen"
	AuditDocumentReprocess  = "document.reprocess_requested"
	AuditJobSubmitted       = "job.submitted"
	AuditJobClaimed         = "job.claimed"
	AuditJobCompleted       = "job.completed"
	AuditJobFailed          = "job.failed"
	AuditJobRetryScheduled  = "job.retry_scheduled"
	AuditJobTimeout         = "job.timeout"
	AuditJobLateResult      = "job.late_result_discarded"
	AuditFlagsEvaluated     = "flags.evaluated"
	AuditDecisionRecorded   = "decision.recorded"
	AuditDecisionSigned     = "decision.signed"
	AuditApprovalRefused    = "approval.refused"
	AuditDecisionSuperseded = "decision.superseded"
	AuditFlagsSuperseded    = "flags.superseded"
)

// Object types referenced from audit entries.
const (
	ObjectDocument = "document"
	ObjectJob      = "job"
	ObjectFlagSet  = "flag_set"
	ObjectDecision = "decision"
)

// AuditEntry is one immutable record of a state transition.
type AuditEntry struct {
	ID              int64
	Actor           string
	Action          string
	ObjectType      string
	ObjectID        int64
	DetailsHash     string
	PipelineVersion string
	CreatedAt       time.Time
}

// DetailsHash computes the content hash recorded with an audit entry. The
// parts are joined canonically so identical details always hash identically.
func DetailsHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// appendAuditTx writes one audit entry inside the caller's transaction. A
// failed append aborts the whole transaction, so state never changes without
// its audit record.
func (s *Store) appendAuditTx(tx *sql.Tx, ctx context.Context, actor, action, objectType string, objectID int64, details ...string) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO audit_entries (actor, action, object_type, object_id, details_hash, pipeline_version, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullableString(actor),
		action,
		objectType,
		objectID,
		DetailsHash(details...),
		s.pipelineVersion,
		timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

const auditColumns = "id, actor, action, object_type, object_id, details_hash, pipeline_version, created_at"

func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (*AuditEntry, error) {
	var (
		id         int64
		actor      sql.NullString
		action     string
		objectType string
		objectID   int64
		hash       string
		version    string
		createdRaw string
	)
	if err := scanner.Scan(&id, &actor, &action, &objectType, &objectID, &hash, &version, &createdRaw); err != nil {
		return nil, err
	}
	entry := &AuditEntry{
		ID:              id,
		Actor:           actor.String,
		Action:          action,
		ObjectType:      objectType,
		ObjectID:        objectID,
		DetailsHash:     hash,
		PipelineVersion: version,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		entry.CreatedAt = created
	}
	return entry, nil
}

// AuditByObject returns audit entries for one object ordered by timestamp ascending.
func (s *Store) AuditByObject(ctx context.Context, objectType string, objectID int64) ([]*AuditEntry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE object_type = ? AND object_id = ? ORDER BY created_at, id`,
		objectType, objectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit by object: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

// AuditByActor returns audit entries recorded by an actor within [from, to),
// ordered by timestamp ascending. Zero bounds are open.
func (s *Store) AuditByActor(ctx context.Context, actor string, from, to time.Time) ([]*AuditEntry, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE actor = ?`
	args := []any{actor}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, timestamp(from))
	}
	if !to.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, timestamp(to))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit by actor: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

func collectAuditEntries(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
