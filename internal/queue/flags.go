package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// insertFlagSetTx persists the safety findings for one explanation version and
// audits the evaluation as a single flag-set event on the document.
func (s *Store) insertFlagSetTx(tx *sql.Tx, ctx context.Context, documentID, explanationVersion int64, flags []FlagInput) error {
	now := timestamp(time.Now())
	details := []string{strconv.FormatInt(explanationVersion, 10), strconv.Itoa(len(flags))}
	for _, flag := range flags {
		if _, ok := severityRank[flag.Severity]; !ok {
			return fmt.Errorf("unknown severity %q", flag.Severity)
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO safety_flags (document_id, explanation_version, flag_type, severity, evidence, detector_version, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			documentID,
			explanationVersion,
			string(flag.Type),
			string(flag.Severity),
			nullableString(flag.Evidence),
			flag.DetectorVersion,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert safety flag: %w", err)
		}
		details = append(details, string(flag.Type), string(flag.Severity))
	}
	return s.appendAuditTx(tx, ctx, "", AuditFlagsEvaluated, ObjectFlagSet, documentID, details...)
}

// supersedeFlagsTx retires every active flag on a document. Called when a new
// explanation version invalidates prior findings.
func (s *Store) supersedeFlagsTx(tx *sql.Tx, ctx context.Context, documentID int64, actor string) error {
	res, err := tx.ExecContext(
		ctx,
		`UPDATE safety_flags SET superseded = 1 WHERE document_id = ? AND superseded = 0`,
		documentID,
	)
	if err != nil {
		return fmt.Errorf("supersede flags: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil
	}
	return s.appendAuditTx(tx, ctx, actor, AuditFlagsSuperseded, ObjectFlagSet, documentID,
		strconv.FormatInt(affected, 10))
}

// ActiveFlags returns the non-superseded flags for one explanation version.
func (s *Store) ActiveFlags(ctx context.Context, documentID, explanationVersion int64) ([]*SafetyFlag, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+flagColumns+` FROM safety_flags
         WHERE document_id = ? AND explanation_version = ? AND superseded = 0
         ORDER BY id`,
		documentID, explanationVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("active flags: %w", err)
	}
	defer rows.Close()
	return collectFlags(rows)
}

// FlagsForDocument returns every flag ever recorded for a document, including
// superseded ones, ordered by creation.
func (s *Store) FlagsForDocument(ctx context.Context, documentID int64) ([]*SafetyFlag, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+flagColumns+` FROM safety_flags WHERE document_id = ? ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("flags for document: %w", err)
	}
	defer rows.Close()
	return collectFlags(rows)
}

func activeFlagsTx(tx *sql.Tx, ctx context.Context, documentID, explanationVersion int64) ([]*SafetyFlag, error) {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT `+flagColumns+` FROM safety_flags
         WHERE document_id = ? AND explanation_version = ? AND superseded = 0
         ORDER BY id`,
		documentID, explanationVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("active flags: %w", err)
	}
	defer rows.Close()
	return collectFlags(rows)
}

const flagColumns = "id, document_id, explanation_version, flag_type, severity, evidence, detector_version, superseded, created_at"

func collectFlags(rows *sql.Rows) ([]*SafetyFlag, error) {
	var flags []*SafetyFlag
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

func scanFlag(scanner interface{ Scan(dest ...any) error }) (*SafetyFlag, error) {
	var (
		id         int64
		documentID int64
		version    int64
		flagType   string
		severity   string
		evidence   sql.NullString
		detector   string
		superseded int
		createdRaw string
	)
	if err := scanner.Scan(&id, &documentID, &version, &flagType, &severity, &evidence, &detector, &superseded, &createdRaw); err != nil {
		return nil, err
	}
	flag := &SafetyFlag{
		ID:                 id,
		DocumentID:         documentID,
		ExplanationVersion: version,
		Type:               FlagType(flagType),
		Severity:           Severity(severity),
		Evidence:           evidence.String,
		DetectorVersion:    detector,
		Superseded:         superseded != 0,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		flag.CreatedAt = created
	}
	return flag, nil
}
