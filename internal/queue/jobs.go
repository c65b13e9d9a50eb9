package queue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Failure classes recorded on failed jobs. Transient failures are retried up
// to the job's attempt budget; permanent failures freeze the document.
const (
	FailureClassTransient = "transient"
	FailureClassPermanent = "permanent"
)

// ErrStaleAttempt is returned when a completion or failure report carries an
// attempt token that no longer matches the job (the attempt was timed out and
// superseded). The late result is discarded and audited.
var ErrStaleAttempt = errors.New("stale job attempt")

// SubmitJob enqueues one (document, stage kind) unit of work. It fails with
// ErrDuplicateStageJob when a non-terminal job already exists for the pair.
func (s *Store) SubmitJob(ctx context.Context, documentID int64, kind StageKind, dependsOn *int64, maxAttempts int) (*Job, error) {
	ctx = ensureContext(ctx)
	if _, ok := ParseStageKind(string(kind)); !ok {
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = s.submitJobTx(tx, ctx, documentID, kind, dependsOn, maxAttempts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitRerun enqueues a fresh run of a stage at an operator's request and
// records the request against the document in the same transaction. Unlike
// SubmitJob it refuses unknown documents, since a re-run only makes sense for
// a document that already went through the stage's inputs.
func (s *Store) SubmitRerun(ctx context.Context, documentID int64, kind StageKind, actor string, maxAttempts int) (*Job, error) {
	ctx = ensureContext(ctx)
	if _, ok := ParseStageKind(string(kind)); !ok {
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := documentByIDTx(tx, ctx, documentID)
		if err != nil {
			return err
		}
		if doc == nil {
			return ErrDocumentNotFound
		}
		if err := s.appendAuditTx(tx, ctx, actor, AuditDocumentReprocess, ObjectDocument, documentID,
			string(kind)); err != nil {
			return err
		}
		job, err = s.submitJobTx(tx, ctx, documentID, kind, nil, maxAttempts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) submitJobTx(tx *sql.Tx, ctx context.Context, documentID int64, kind StageKind, dependsOn *int64, maxAttempts int) (*Job, error) {
	var active int
	row := tx.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM jobs WHERE document_id = ? AND stage_kind = ? AND status IN (?, ?)`,
		documentID, string(kind), string(JobQueued), string(JobRunning),
	)
	if err := row.Scan(&active); err != nil {
		return nil, fmt.Errorf("check active jobs: %w", err)
	}
	if active > 0 {
		return nil, fmt.Errorf("%w: document %d stage %s", ErrDuplicateStageJob, documentID, kind)
	}

	now := timestamp(time.Now())
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO jobs (document_id, stage_kind, status, attempt, max_attempts, depends_on, pipeline_version, created_at)
         VALUES (?, ?, ?, 1, ?, ?, ?, ?)`,
		documentID,
		string(kind),
		string(JobQueued),
		maxAttempts,
		nullableInt64(dependsOn),
		s.pipelineVersion,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := s.appendAuditTx(tx, ctx, "", AuditJobSubmitted, ObjectJob, id,
		strconv.FormatInt(documentID, 10), string(kind)); err != nil {
		return nil, err
	}
	return jobByIDTx(tx, ctx, id)
}

// ClaimJob atomically dequeues the oldest eligible queued job: its dependency
// (if any) has succeeded, its backoff window has elapsed, and its document is
// not frozen. The claim is a compare-and-set from queued to running; exactly
// one worker wins. Returns nil when no job is eligible.
func (s *Store) ClaimJob(ctx context.Context, worker string) (*Job, error) {
	ctx = ensureContext(ctx)
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		row := tx.QueryRowContext(
			ctx,
			`SELECT j.id FROM jobs j
             JOIN documents d ON d.id = j.document_id
             WHERE j.status = ?
               AND (j.not_before IS NULL OR j.not_before <= ?)
               AND (j.depends_on IS NULL OR
                    (SELECT dep.status FROM jobs dep WHERE dep.id = j.depends_on) = ?)
               AND d.failed_stage IS NULL
             ORDER BY j.created_at, j.id
             LIMIT 1`,
			string(JobQueued),
			timestamp(now),
			string(JobSucceeded),
		)
		var id int64
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claim candidate: %w", err)
		}

		token := uuid.NewString()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, attempt_token = ?, worker = ?, started_at = ?, last_heartbeat = ?, not_before = NULL
             WHERE id = ? AND status = ?`,
			string(JobRunning),
			token,
			nullableString(worker),
			timestamp(now),
			timestamp(now),
			id,
			string(JobQueued),
		)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := s.appendAuditTx(tx, ctx, "", AuditJobClaimed, ObjectJob, id, token, worker); err != nil {
			return err
		}
		job, err = jobByIDTx(tx, ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateHeartbeat refreshes the heartbeat timestamp for an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, jobID int64) error {
	ctx = ensureContext(ctx)
	now := timestamp(time.Now())
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(
			ctx,
			`UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND status = ?`,
			now, jobID, string(JobRunning),
		)
		if err != nil {
			return fmt.Errorf("update heartbeat: %w", err)
		}
		return nil
	})
}

// FlagInput is one safety finding to persist with a completed safety stage.
type FlagInput struct {
	Type            FlagType
	Severity        Severity
	Evidence        string
	DetectorVersion string
}

// StageResult carries a succeeded stage's output and the document mutations
// it implies. The whole set commits atomically with the job transition.
type StageResult struct {
	OutputJSON      string
	LatencyMS       int64
	RawText         string      // extract
	EntitiesJSON    string      // link
	ExplanationText string      // explain
	Flags           []FlagInput // safety_check
}

// CompleteJob finalizes a running job as succeeded and applies the stage's
// document mutations in the same transaction: raw text, entities, a new
// explanation version (superseding prior flags and decisions when the text
// materially changed), or a fresh safety flag set marking the document
// checked. A stale attempt token makes the call a detected no-op.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, attemptToken string, result StageResult) (*Job, error) {
	ctx = ensureContext(ctx)
	var (
		job   *Job
		stale bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := jobByIDTx(tx, ctx, jobID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrJobNotFound
		}
		if current.Status != JobRunning || current.AttemptToken != attemptToken {
			stale = true
			return s.appendAuditTx(tx, ctx, "", AuditJobLateResult, ObjectJob, jobID, attemptToken)
		}

		now := time.Now()
		latency := result.LatencyMS
		if latency == 0 && current.StartedAt != nil {
			latency = now.Sub(*current.StartedAt).Milliseconds()
		}

		_, err = tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, output_json = ?, latency_ms = ?, finished_at = ?, last_heartbeat = NULL
             WHERE id = ?`,
			string(JobSucceeded),
			nullableString(result.OutputJSON),
			latency,
			timestamp(now),
			jobID,
		)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if err := s.appendAuditTx(tx, ctx, "", AuditJobCompleted, ObjectJob, jobID,
			string(current.StageKind), strconv.FormatInt(latency, 10)); err != nil {
			return err
		}

		if err := s.applyStageOutputTx(tx, ctx, current, result); err != nil {
			return err
		}

		job, err = jobByIDTx(tx, ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, ErrStaleAttempt
	}
	return job, nil
}

func (s *Store) applyStageOutputTx(tx *sql.Tx, ctx context.Context, job *Job, result StageResult) error {
	doc, err := documentByIDTx(tx, ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	now := timestamp(time.Now())
	switch job.StageKind {
	case StageExtract:
		_, err = tx.ExecContext(
			ctx,
			`UPDATE documents SET raw_text = ?, updated_at = ? WHERE id = ?`,
			nullableString(result.RawText), now, doc.ID,
		)
		if err != nil {
			return fmt.Errorf("store raw text: %w", err)
		}

	case StageLink:
		_, err = tx.ExecContext(
			ctx,
			`UPDATE documents SET entities_json = ?, updated_at = ? WHERE id = ?`,
			nullableString(result.EntitiesJSON), now, doc.ID,
		)
		if err != nil {
			return fmt.Errorf("store entities: %w", err)
		}

	case StageExplain:
		newHash := explanationHash(result.ExplanationText)
		if newHash != doc.ExplanationHash {
			newVersion := doc.ExplanationVersion + 1
			if err := s.supersedeFlagsTx(tx, ctx, doc.ID, ""); err != nil {
				return err
			}
			if err := s.supersedeDecisionsTx(tx, ctx, doc.ID); err != nil {
				return err
			}
			_, err = tx.ExecContext(
				ctx,
				`UPDATE documents SET explanation_text = ?, explanation_hash = ?, explanation_version = ?, updated_at = ? WHERE id = ?`,
				nullableString(result.ExplanationText), newHash, newVersion, now, doc.ID,
			)
			if err != nil {
				return fmt.Errorf("store explanation: %w", err)
			}
		}

	case StageSafety:
		if err := s.insertFlagSetTx(tx, ctx, doc.ID, doc.ExplanationVersion, result.Flags); err != nil {
			return err
		}
	}

	if next, ok := StatusAfter(job.StageKind); ok {
		if err := advanceDocumentStatusTx(tx, ctx, doc, next); err != nil {
			return err
		}
	}
	return nil
}

// FailParams describes a failure report for a running job.
type FailParams struct {
	JobID        int64
	AttemptToken string
	ErrorCode    string
	Class        string // FailureClassTransient or FailureClassPermanent
	Backoff      time.Duration
}

// FailJob records a stage failure. Transient failures within the attempt
// budget requeue the same job with an incremented attempt counter and an
// exponential backoff window; anything else finalizes the job as failed and
// freezes the document at its last successful status. A stale attempt token
// makes the call a detected no-op. Returns true when a retry was scheduled.
func (s *Store) FailJob(ctx context.Context, params FailParams) (bool, error) {
	ctx = ensureContext(ctx)
	var (
		retried bool
		stale   bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := jobByIDTx(tx, ctx, params.JobID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrJobNotFound
		}
		if current.Status != JobRunning || current.AttemptToken != params.AttemptToken {
			stale = true
			return s.appendAuditTx(tx, ctx, "", AuditJobLateResult, ObjectJob, params.JobID, params.AttemptToken)
		}
		retried, err = s.failJobTx(tx, ctx, current, params.ErrorCode, params.Class, params.Backoff)
		return err
	})
	if err != nil {
		return false, err
	}
	if stale {
		return false, ErrStaleAttempt
	}
	return retried, nil
}

// failJobTx applies the retry-or-freeze decision for a running job. The
// caller has already validated the attempt.
func (s *Store) failJobTx(tx *sql.Tx, ctx context.Context, job *Job, errorCode, class string, backoff time.Duration) (bool, error) {
	now := time.Now()

	if class == FailureClassTransient && job.Attempt < job.MaxAttempts {
		delay := backoff << (job.Attempt - 1)
		notBefore := now.Add(delay)
		_, err := tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, attempt = attempt + 1, attempt_token = NULL, worker = NULL,
                 error_code = ?, failure_class = ?, not_before = ?, last_heartbeat = NULL
             WHERE id = ?`,
			string(JobQueued),
			nullableString(errorCode),
			class,
			timestamp(notBefore),
			job.ID,
		)
		if err != nil {
			return false, fmt.Errorf("requeue job: %w", err)
		}
		if err := s.appendAuditTx(tx, ctx, "", AuditJobRetryScheduled, ObjectJob, job.ID,
			errorCode, strconv.Itoa(job.Attempt+1)); err != nil {
			return false, err
		}
		return true, nil
	}

	_, err := tx.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, error_code = ?, failure_class = ?, finished_at = ?, last_heartbeat = NULL
         WHERE id = ?`,
		string(JobFailed),
		nullableString(errorCode),
		class,
		timestamp(now),
		job.ID,
	)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	if err := s.appendAuditTx(tx, ctx, "", AuditJobFailed, ObjectJob, job.ID, errorCode, class); err != nil {
		return false, err
	}

	// Freeze the document at its last successful status; downstream stage
	// creation halts until an explicit reprocess request.
	_, err = tx.ExecContext(
		ctx,
		`UPDATE documents SET failed_stage = ?, failure_code = ?, updated_at = ? WHERE id = ?`,
		string(job.StageKind),
		nullableString(errorCode),
		timestamp(now),
		job.DocumentID,
	)
	if err != nil {
		return false, fmt.Errorf("freeze document: %w", err)
	}
	if err := s.appendAuditTx(tx, ctx, "", AuditDocumentFrozen, ObjectDocument, job.DocumentID,
		string(job.StageKind), errorCode); err != nil {
		return false, err
	}
	return false, nil
}

// SweepTimedOut force-fails running jobs whose heartbeat (or start, when no
// heartbeat was ever written) predates the cutoff. Timeouts count as
// transient failures against the retry budget; the attempt token is
// invalidated so a late result from the reaped worker is discarded.
func (s *Store) SweepTimedOut(ctx context.Context, cutoff time.Time, backoff time.Duration) (int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM jobs
         WHERE status = ?
           AND COALESCE(last_heartbeat, started_at) < ?
         ORDER BY id`,
		string(JobRunning),
		timestamp(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("select timed out jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			job, err := jobByIDTx(tx, ctx, id)
			if err != nil {
				return err
			}
			if job == nil || job.Status != JobRunning {
				return nil
			}
			heartbeat := job.StartedAt
			if job.LastHeartbeat != nil {
				heartbeat = job.LastHeartbeat
			}
			if heartbeat == nil || !heartbeat.Before(cutoff) {
				return nil
			}
			if err := s.appendAuditTx(tx, ctx, "", AuditJobTimeout, ObjectJob, job.ID,
				strconv.Itoa(job.Attempt)); err != nil {
				return err
			}
			if _, err := s.failJobTx(tx, ctx, job, "timeout", FailureClassTransient, backoff); err != nil {
				return err
			}
			swept++
			return nil
		})
		if err != nil {
			return swept, err
		}
	}
	return swept, nil
}

// GetJob fetches a job by identifier.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobsForDocument returns all jobs for a document ordered by creation time.
func (s *Store) JobsForDocument(ctx context.Context, documentID int64) ([]*Job, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = ? ORDER BY created_at, id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs for document: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// LatestJob returns the most recent job for a (document, stage kind) pair.
func (s *Store) LatestJob(ctx context.Context, documentID int64, kind StageKind) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = ? AND stage_kind = ? ORDER BY id DESC LIMIT 1`,
		documentID, string(kind),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job: %w", err)
	}
	return job, nil
}

// Health aggregates job counts per lifecycle state.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	health := HealthSummary{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, err
		}
		health.Total += count
		switch JobStatus(status) {
		case JobQueued:
			health.Queued += count
		case JobRunning:
			health.Running += count
		case JobSucceeded:
			health.Succeeded += count
		case JobFailed:
			health.Failed += count
		}
	}
	return health, rows.Err()
}

var docStatusRank = map[DocumentStatus]int{
	DocStatusUploaded:  1,
	DocStatusProcessed: 2,
	DocStatusExplained: 3,
	DocStatusChecked:   4,
	DocStatusArchived:  5,
}

// advanceDocumentStatusTx moves a document forward on the status ladder.
// Backward transitions are ignored so reprocessing a mid-pipeline stage
// never loses recorded progress.
func advanceDocumentStatusTx(tx *sql.Tx, ctx context.Context, doc *Document, next DocumentStatus) error {
	if docStatusRank[next] <= docStatusRank[doc.Status] {
		return nil
	}
	_, err := tx.ExecContext(
		ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), timestamp(time.Now()), doc.ID,
	)
	if err != nil {
		return fmt.Errorf("advance document status: %w", err)
	}
	doc.Status = next
	return nil
}

func explanationHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

const jobColumns = "id, document_id, stage_kind, status, attempt, max_attempts, depends_on, attempt_token, worker, output_json, error_code, failure_class, latency_ms, pipeline_version, not_before, last_heartbeat, created_at, started_at, finished_at"

func jobByIDTx(tx *sql.Tx, ctx context.Context, id int64) (*Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           int64
		documentID   int64
		stageKind    string
		status       string
		attempt      int
		maxAttempts  int
		dependsOn    sql.NullInt64
		attemptToken sql.NullString
		worker       sql.NullString
		outputJSON   sql.NullString
		errorCode    sql.NullString
		failureClass sql.NullString
		latencyMS    sql.NullInt64
		version      string
		notBeforeRaw sql.NullString
		heartbeatRaw sql.NullString
		createdRaw   string
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&id, &documentID, &stageKind, &status, &attempt, &maxAttempts, &dependsOn,
		&attemptToken, &worker, &outputJSON, &errorCode, &failureClass, &latencyMS,
		&version, &notBeforeRaw, &heartbeatRaw, &createdRaw, &startedRaw, &finishedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		DocumentID:      documentID,
		StageKind:       StageKind(stageKind),
		Status:          JobStatus(status),
		Attempt:         attempt,
		MaxAttempts:     maxAttempts,
		AttemptToken:    attemptToken.String,
		Worker:          worker.String,
		OutputJSON:      outputJSON.String,
		ErrorCode:       errorCode.String,
		FailureClass:    failureClass.String,
		LatencyMS:       latencyMS.Int64,
		PipelineVersion: version,
	}
	if dependsOn.Valid {
		v := dependsOn.Int64
		job.DependsOn = &v
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	for _, pair := range []struct {
		raw  sql.NullString
		dest **time.Time
	}{
		{notBeforeRaw, &job.NotBefore},
		{heartbeatRaw, &job.LastHeartbeat},
		{startedRaw, &job.StartedAt},
		{finishedRaw, &job.FinishedAt},
	} {
		if pair.raw.Valid {
			if t, err := parseTimeString(pair.raw.String); err == nil {
				*pair.dest = &t
			}
		}
	}
	return job, nil
}
