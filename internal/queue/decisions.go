package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// OverrideInput pairs a High-severity flag with its clinician justification.
type OverrideInput struct {
	FlagID        int64
	Justification string
}

// DecisionParams describes one gate action on a document's explanation.
type DecisionParams struct {
	DocumentID         int64
	ExplanationVersion int64
	Kind               DecisionKind
	Notes              string
	Actor              string
	Overrides          []OverrideInput
	MinJustification   int
}

// RecordDecision applies the approval gate. The decision, its overrides, the
// audit entry, and (for approvals) the document's move to archived all commit
// in one transaction. Refusals are themselves audited in a committed
// transaction before the error is returned:
//
//   - a decision targeting a superseded explanation version fails with
//     ErrStaleExplanationVersion
//   - an approval with any unresolved High-severity flag fails with
//     UnresolvedCriticalFlagError; an override counts only when its
//     justification meets the configured minimum length
func (s *Store) RecordDecision(ctx context.Context, params DecisionParams) (*Decision, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(params.Actor) == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrNotAuthorized)
	}
	if _, ok := ParseDecisionKind(string(params.Kind)); !ok {
		return nil, fmt.Errorf("unknown decision %q", params.Kind)
	}
	if params.Kind != DecisionApproved && strings.TrimSpace(params.Notes) == "" {
		return nil, fmt.Errorf("decision %s requires notes", params.Kind)
	}

	var (
		decision *Decision
		refusal  error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := documentByIDTx(tx, ctx, params.DocumentID)
		if err != nil {
			return err
		}
		if doc == nil {
			return ErrDocumentNotFound
		}
		if docStatusRank[doc.Status] < docStatusRank[DocStatusChecked] {
			return fmt.Errorf("document %d is %s, not yet checked", doc.ID, doc.Status)
		}
		if params.ExplanationVersion != doc.ExplanationVersion {
			refusal = fmt.Errorf("%w: decision targets version %d, current is %d",
				ErrStaleExplanationVersion, params.ExplanationVersion, doc.ExplanationVersion)
			return s.appendAuditTx(tx, ctx, params.Actor, AuditApprovalRefused, ObjectDocument, doc.ID,
				"stale_explanation_version", strconv.FormatInt(params.ExplanationVersion, 10))
		}

		existing, err := activeDecisionTx(tx, ctx, doc.ID, doc.ExplanationVersion)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: decision %d", ErrDecisionExists, existing.ID)
		}

		if params.Kind == DecisionApproved {
			unresolved, err := unresolvedHighFlagsTx(tx, ctx, doc, params)
			if err != nil {
				return err
			}
			if len(unresolved) > 0 {
				refusal = &UnresolvedCriticalFlagError{FlagIDs: unresolved}
				details := []string{"unresolved_critical_flags"}
				for _, id := range unresolved {
					details = append(details, strconv.FormatInt(id, 10))
				}
				return s.appendAuditTx(tx, ctx, params.Actor, AuditApprovalRefused, ObjectDocument, doc.ID, details...)
			}
		}

		now := timestamp(time.Now())
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO approval_decisions (document_id, explanation_version, decision, notes, actor, pipeline_version, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.ID,
			doc.ExplanationVersion,
			string(params.Kind),
			nullableString(params.Notes),
			params.Actor,
			s.pipelineVersion,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		decisionID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		for _, override := range params.Overrides {
			_, err := tx.ExecContext(
				ctx,
				`INSERT INTO approval_overrides (decision_id, flag_id, justification, created_at)
                 VALUES (?, ?, ?, ?)`,
				decisionID, override.FlagID, override.Justification, now,
			)
			if err != nil {
				return fmt.Errorf("insert override: %w", err)
			}
		}

		if err := s.appendAuditTx(tx, ctx, params.Actor, AuditDecisionRecorded, ObjectDecision, decisionID,
			string(params.Kind), strconv.FormatInt(doc.ExplanationVersion, 10)); err != nil {
			return err
		}

		if params.Kind == DecisionApproved {
			if err := advanceDocumentStatusTx(tx, ctx, doc, DocStatusArchived); err != nil {
				return err
			}
		}

		decision, err = decisionByIDTx(tx, ctx, decisionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if refusal != nil {
		return nil, refusal
	}
	return decision, nil
}

// unresolvedHighFlagsTx returns the High-severity flags on the current
// explanation version that lack an override with a sufficient justification.
func unresolvedHighFlagsTx(tx *sql.Tx, ctx context.Context, doc *Document, params DecisionParams) ([]int64, error) {
	flags, err := activeFlagsTx(tx, ctx, doc.ID, doc.ExplanationVersion)
	if err != nil {
		return nil, err
	}

	justified := make(map[int64]bool, len(params.Overrides))
	for _, override := range params.Overrides {
		if utf8.RuneCountInString(strings.TrimSpace(override.Justification)) >= params.MinJustification {
			justified[override.FlagID] = true
		}
	}

	var unresolved []int64
	for _, flag := range flags {
		if flag.Severity != SeverityHigh {
			continue
		}
		if !justified[flag.ID] {
			unresolved = append(unresolved, flag.ID)
		}
	}
	return unresolved, nil
}

// SignDecision seals a recorded decision with an external signature reference.
// A sealed or superseded decision admits no further writes.
func (s *Store) SignDecision(ctx context.Context, decisionID int64, signatureRef, actor string) (*Decision, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(signatureRef) == "" {
		return nil, errors.New("signature reference is required")
	}

	var decision *Decision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := decisionByIDTx(tx, ctx, decisionID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("decision %d not found", decisionID)
		}
		if current.Sealed() {
			return fmt.Errorf("%w: decision %d", ErrDecisionSealed, decisionID)
		}
		if current.Superseded {
			return fmt.Errorf("decision %d is superseded", decisionID)
		}

		_, err = tx.ExecContext(
			ctx,
			`UPDATE approval_decisions SET signature_ref = ?, signed_at = ? WHERE id = ?`,
			signatureRef, timestamp(time.Now()), decisionID,
		)
		if err != nil {
			return fmt.Errorf("sign decision: %w", err)
		}
		if err := s.appendAuditTx(tx, ctx, actor, AuditDecisionSigned, ObjectDecision, decisionID, signatureRef); err != nil {
			return err
		}
		decision, err = decisionByIDTx(tx, ctx, decisionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// supersedeDecisionsTx retires active decisions when a new explanation version
// invalidates them. Sealed decisions stay sealed; superseding only marks them
// inactive for gating.
func (s *Store) supersedeDecisionsTx(tx *sql.Tx, ctx context.Context, documentID int64) error {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT id FROM approval_decisions WHERE document_id = ? AND superseded = 0`,
		documentID,
	)
	if err != nil {
		return fmt.Errorf("select active decisions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE approval_decisions SET superseded = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("supersede decision: %w", err)
		}
		if err := s.appendAuditTx(tx, ctx, "", AuditDecisionSuperseded, ObjectDecision, id); err != nil {
			return err
		}
	}
	return nil
}

// ActiveDecision returns the non-superseded decision for one explanation
// version, or nil when none was recorded.
func (s *Store) ActiveDecision(ctx context.Context, documentID, explanationVersion int64) (*Decision, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+decisionColumns+` FROM approval_decisions
         WHERE document_id = ? AND explanation_version = ? AND superseded = 0`,
		documentID, explanationVersion,
	)
	decision, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active decision: %w", err)
	}
	return decision, nil
}

// DecisionsForDocument returns every decision ever recorded for a document,
// including superseded ones, ordered by creation.
func (s *Store) DecisionsForDocument(ctx context.Context, documentID int64) ([]*Decision, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+decisionColumns+` FROM approval_decisions WHERE document_id = ? ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("decisions for document: %w", err)
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		decision, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, rows.Err()
}

// OverridesForDecision returns the overrides attached to one decision.
func (s *Store) OverridesForDecision(ctx context.Context, decisionID int64) ([]*Override, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, decision_id, flag_id, justification, created_at FROM approval_overrides WHERE decision_id = ? ORDER BY id`,
		decisionID,
	)
	if err != nil {
		return nil, fmt.Errorf("overrides for decision: %w", err)
	}
	defer rows.Close()

	var overrides []*Override
	for rows.Next() {
		var (
			override   Override
			createdRaw string
		)
		if err := rows.Scan(&override.ID, &override.DecisionID, &override.FlagID, &override.Justification, &createdRaw); err != nil {
			return nil, err
		}
		if created, err := parseTimeString(createdRaw); err == nil {
			override.CreatedAt = created
		}
		overrides = append(overrides, &override)
	}
	return overrides, rows.Err()
}

const decisionColumns = "id, document_id, explanation_version, decision, notes, actor, signature_ref, pipeline_version, superseded, created_at, signed_at"

func activeDecisionTx(tx *sql.Tx, ctx context.Context, documentID, explanationVersion int64) (*Decision, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+decisionColumns+` FROM approval_decisions
         WHERE document_id = ? AND explanation_version = ? AND superseded = 0`,
		documentID, explanationVersion,
	)
	decision, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active decision: %w", err)
	}
	return decision, nil
}

func decisionByIDTx(tx *sql.Tx, ctx context.Context, id int64) (*Decision, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM approval_decisions WHERE id = ?`, id)
	decision, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return decision, nil
}

func scanDecision(scanner interface{ Scan(dest ...any) error }) (*Decision, error) {
	var (
		id           int64
		documentID   int64
		version      int64
		kind         string
		notes        sql.NullString
		actor        string
		signatureRef sql.NullString
		pipeline     string
		superseded   int
		createdRaw   string
		signedRaw    sql.NullString
	)
	if err := scanner.Scan(&id, &documentID, &version, &kind, &notes, &actor, &signatureRef, &pipeline, &superseded, &createdRaw, &signedRaw); err != nil {
		return nil, err
	}
	decision := &Decision{
		ID:                 id,
		DocumentID:         documentID,
		ExplanationVersion: version,
		Decision:           DecisionKind(kind),
		Notes:              notes.String,
		Actor:              actor,
		SignatureRef:       signatureRef.String,
		PipelineVersion:    pipeline,
		Superseded:         superseded != 0,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		decision.CreatedAt = created
	}
	if signedRaw.Valid {
		if signed, err := parseTimeString(signedRaw.String); err == nil {
			decision.SignedAt = &signed
		}
	}
	return decision, nil
}
