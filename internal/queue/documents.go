package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IngestParams describes one upload handed to the pipeline.
type IngestParams struct {
	ContentHash string
	PatientID   string
	DocType     DocumentType
	SourcePath  string
	Actor       string
}

// IngestDocument registers an uploaded document. Duplicate content (same
// fingerprint) is an idempotent no-op returning the existing document with
// created=false; the duplicate upload is still audited.
func (s *Store) IngestDocument(ctx context.Context, params IngestParams) (*Document, bool, error) {
	ctx = ensureContext(ctx)
	if params.ContentHash == "" {
		return nil, false, errors.New("content hash is required")
	}
	if params.PatientID == "" {
		return nil, false, errors.New("patient id is required")
	}
	if _, ok := ParseDocumentType(string(params.DocType)); !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidDocumentType, params.DocType)
	}

	var (
		doc     *Document
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := documentByHashTx(tx, ctx, params.ContentHash)
		if err != nil {
			return err
		}
		if existing != nil {
			doc = existing
			created = false
			return s.appendAuditTx(tx, ctx, params.Actor, AuditDocumentDuplicate, ObjectDocument, existing.ID,
				params.ContentHash)
		}

		now := timestamp(time.Now())
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO documents (content_hash, patient_id, doc_type, source_path, status, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			params.ContentHash,
			params.PatientID,
			string(params.DocType),
			nullableString(params.SourcePath),
			string(DocStatusUploaded),
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if err := s.appendAuditTx(tx, ctx, params.Actor, AuditDocumentIngested, ObjectDocument, id,
			params.ContentHash, params.PatientID, string(params.DocType)); err != nil {
			return err
		}
		doc, err = documentByIDTx(tx, ctx, id)
		created = true
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return doc, created, nil
}

// GetDocument fetches a document by identifier.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// DocumentByHash returns the document matching a content fingerprint.
func (s *Store) DocumentByHash(ctx context.Context, contentHash string) (*Document, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE content_hash = ?`, contentHash)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("document by hash: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents filtered by status (or all when no status
// is provided), ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context, statuses ...DocumentStatus) ([]*Document, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + documentColumns + ` FROM documents`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ClearFrozenMarker removes the failure marker before a reprocess run and
// audits the reprocess request.
func (s *Store) ClearFrozenMarker(ctx context.Context, documentID int64, actor string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := documentByIDTx(tx, ctx, documentID)
		if err != nil {
			return err
		}
		if doc == nil {
			return ErrDocumentNotFound
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE documents SET failed_stage = NULL, failure_code = NULL, updated_at = ? WHERE id = ?`,
			timestamp(time.Now()), documentID,
		)
		if err != nil {
			return fmt.Errorf("clear frozen marker: %w", err)
		}
		return s.appendAuditTx(tx, ctx, actor, AuditDocumentReprocess, ObjectDocument, documentID)
	})
}

const documentColumns = "id, content_hash, patient_id, doc_type, source_path, raw_text, entities_json, explanation_text, explanation_hash, explanation_version, status, failed_stage, failure_code, created_at, updated_at"

func documentByIDTx(tx *sql.Tx, ctx context.Context, id int64) (*Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func documentByHashTx(tx *sql.Tx, ctx context.Context, hash string) (*Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE content_hash = ?`, hash)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("document by hash: %w", err)
	}
	return doc, nil
}

func scanDocument(scanner interface{ Scan(dest ...any) error }) (*Document, error) {
	var (
		id          int64
		contentHash string
		patientID   string
		docType     string
		sourcePath  sql.NullString
		rawText     sql.NullString
		entities    sql.NullString
		explText    sql.NullString
		explHash    sql.NullString
		explVersion int64
		status      string
		failedStage sql.NullString
		failureCode sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&id, &contentHash, &patientID, &docType, &sourcePath, &rawText, &entities,
		&explText, &explHash, &explVersion, &status, &failedStage, &failureCode,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	doc := &Document{
		ID:                 id,
		ContentHash:        contentHash,
		PatientID:          patientID,
		DocType:            DocumentType(docType),
		SourcePath:         sourcePath.String,
		RawText:            rawText.String,
		EntitiesJSON:       entities.String,
		ExplanationText:    explText.String,
		ExplanationHash:    explHash.String,
		ExplanationVersion: explVersion,
		Status:             DocumentStatus(status),
		FailedStage:        StageKind(failedStage.String),
		FailureCode:        failureCode.String,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		doc.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		doc.UpdatedAt = updated
	}
	return doc, nil
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
