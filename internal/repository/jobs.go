package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/common"
	"github.com/okezie-m/studypipe/internal/entity"
)

var (
	// ErrDuplicateActiveJob means a queued or processing job for the same
	// (document, job_type) pair already exists. Losing resolvers observe it
	// and no-op.
	ErrDuplicateActiveJob = errors.New("active job already exists for document and type")
	// ErrJobNotActive means the job left the expected state before the
	// caller's transition landed, e.g. a completion racing a cancellation.
	ErrJobNotActive = errors.New("job is not in the expected active state")
)

// EnqueueSpec is the input to Enqueue.
type EnqueueSpec struct {
	DocumentID  uuid.UUID
	Type        constants.JobType
	Priority    int
	MaxAttempts int
	Payload     json.RawMessage
	RunAfter    *time.Time
}

// FailOutcome reports what Fail decided for a failed job.
type FailOutcome struct {
	Terminal bool
	Attempts int
	RunAfter *time.Time
}

type JobRepository interface {
	// Enqueue inserts a queued job, or returns ErrDuplicateActiveJob when an
	// active job of the same type already targets the document. Single
	// conditional insert; never read-then-write.
	Enqueue(ctx context.Context, spec EnqueueSpec) (*entity.Job, error)
	// ClaimNext atomically moves the best eligible queued job to processing
	// for workerID and returns it, or (nil, nil) when nothing is claimable.
	ClaimNext(ctx context.Context, workerID string) (*entity.Job, error)
	// Complete records success. ErrJobNotActive when the job is no longer
	// processing (e.g. cancelled mid-flight); the caller must discard the
	// result in that case.
	Complete(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error
	// Fail applies the retry policy: requeue with a backoff-derived run_after
	// while attempts remain and the error is retryable, terminal failure
	// otherwise. backoff maps the new attempt count to a delay.
	Fail(ctx context.Context, jobID uuid.UUID, message string, retryable bool, backoff func(attempt int) time.Duration) (*FailOutcome, error)
	// CancelActive cancels every queued or processing job of a document and
	// returns how many rows changed.
	CancelActive(ctx context.Context, documentID uuid.UUID) (int64, error)
	// ReclaimStale requeues processing jobs whose claim is older than
	// olderThan, recovering work orphaned by a crashed worker. Reclaimed
	// attempts keep their attempt count; the retry budget charges failures,
	// not interruptions.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)

	GetByID(ctx context.Context, jobID uuid.UUID) (*entity.Job, error)
	// LatestFailed returns the most recent terminally failed job for a
	// document, used to locate the stage a manual retry must reset to.
	LatestFailed(ctx context.Context, documentID uuid.UUID) (*entity.Job, error)
	// LatestSucceeded returns the most recent succeeded job of the given type,
	// whose stored result the resolver replays when a crash lost the follow-up
	// document write.
	LatestSucceeded(ctx context.Context, documentID uuid.UUID, jobType constants.JobType) (*entity.Job, error)
	// HasSucceeded reports whether a succeeded job of the given type exists,
	// which is how the resolver avoids re-enqueueing completed work after a
	// partial restart.
	HasSucceeded(ctx context.Context, documentID uuid.UUID, jobType constants.JobType) (bool, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.Job, error)
	ListRecent(ctx context.Context, limit int) ([]*entity.Job, error)
	CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

const jobColumns = `id, document_id, job_type, status, priority, attempts, max_attempts,
	run_after, payload, result, last_error, claimed_by, claimed_at, finished_at,
	created_at, updated_at`

func (r *jobRepo) Enqueue(ctx context.Context, spec EnqueueSpec) (*entity.Job, error) {
	now := time.Now().UTC()
	job := &entity.Job{
		ID:          uuid.New(),
		DocumentID:  spec.DocumentID,
		Type:        spec.Type,
		Status:      constants.JobQueued,
		Priority:    spec.Priority,
		MaxAttempts: spec.MaxAttempts,
		RunAfter:    spec.RunAfter,
		Payload:     spec.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The target-less ON CONFLICT catches the ux_jobs_active partial unique
	// index in both dialects; zero rows affected means we lost to an
	// existing active job.
	query := r.db.rebind(`INSERT INTO jobs
		(id, document_id, job_type, status, priority, attempts, max_attempts,
		 run_after, payload, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT DO NOTHING`)
	res, err := r.db.sqldb.ExecContext(ctx, query,
		job.ID.String(), job.DocumentID.String(), string(job.Type), string(job.Status),
		job.Priority, job.MaxAttempts, toMillisPtr(job.RunAfter), rawToNullable(job.Payload),
		toMillis(now), toMillis(now),
	)
	if err != nil {
		r.log.Error("jobs.enqueue.failed", "document_id", spec.DocumentID, "job_type", spec.Type, "error", err)
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrDuplicateActiveJob
	}
	r.log.Info("jobs.enqueued", "job_id", job.ID, "document_id", spec.DocumentID, "job_type", spec.Type, "priority", spec.Priority)
	return job, nil
}

func (r *jobRepo) ClaimNext(ctx context.Context, workerID string) (*entity.Job, error) {
	now := time.Now().UTC()
	// Single conditional update returning the row: the inner select picks
	// the best eligible candidate, the outer status compare makes the claim
	// exclusive. A losing racer updates zero rows and simply polls again.
	query := r.db.rebind(`UPDATE jobs
		SET status = 'processing', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND (run_after IS NULL OR run_after <= ?)
			ORDER BY priority DESC, run_after ASC NULLS FIRST, created_at ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING ` + jobColumns)
	row := r.db.sqldb.QueryRowContext(ctx, query,
		workerID, toMillis(now), toMillis(now), toMillis(now))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.log.Error("jobs.claim.failed", "worker_id", workerID, "error", err)
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) Complete(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error {
	now := time.Now().UTC()
	query := r.db.rebind(`UPDATE jobs
		SET status = 'succeeded', result = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`)
	res, err := r.db.sqldb.ExecContext(ctx, query,
		rawToNullable(result), toMillis(now), toMillis(now), jobID.String())
	if err != nil {
		r.log.Error("jobs.complete.failed", "job_id", jobID, "error", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotActive
	}
	return nil
}

func (r *jobRepo) Fail(ctx context.Context, jobID uuid.UUID, message string, retryable bool, backoff func(attempt int) time.Duration) (*FailOutcome, error) {
	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != constants.JobProcessing {
		return nil, ErrJobNotActive
	}

	now := time.Now().UTC()
	attempts := job.Attempts + 1
	terminal := !retryable || attempts >= job.MaxAttempts

	var (
		res sql.Result
		out FailOutcome
	)
	if terminal {
		query := r.db.rebind(`UPDATE jobs
			SET status = 'failed', attempts = ?, last_error = ?, run_after = NULL,
			    claimed_by = NULL, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = 'processing' AND attempts = ?`)
		res, err = r.db.sqldb.ExecContext(ctx, query,
			attempts, message, toMillis(now), toMillis(now), jobID.String(), job.Attempts)
		out = FailOutcome{Terminal: true, Attempts: attempts}
	} else {
		runAfter := now.Add(backoff(attempts))
		query := r.db.rebind(`UPDATE jobs
			SET status = 'queued', attempts = ?, last_error = ?, run_after = ?,
			    claimed_by = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'processing' AND attempts = ?`)
		res, err = r.db.sqldb.ExecContext(ctx, query,
			attempts, message, toMillis(runAfter), toMillis(now), jobID.String(), job.Attempts)
		out = FailOutcome{Terminal: false, Attempts: attempts, RunAfter: &runAfter}
	}
	if err != nil {
		r.log.Error("jobs.fail.failed", "job_id", jobID, "error", err)
		return nil, err
	}
	return r.failResult(res, &out, jobID)
}

func (r *jobRepo) failResult(res sql.Result, out *FailOutcome, jobID uuid.UUID) (*FailOutcome, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// The compare step lost: the job was cancelled or re-failed by
		// someone else between our read and write.
		return nil, ErrJobNotActive
	}
	if out.Terminal {
		r.log.Warn("jobs.failed.terminal", "job_id", jobID, "attempts", out.Attempts)
	} else {
		r.log.Info("jobs.retry.scheduled", "job_id", jobID, "attempts", out.Attempts, "run_after", out.RunAfter)
	}
	return out, nil
}

func (r *jobRepo) CancelActive(ctx context.Context, documentID uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	query := r.db.rebind(`UPDATE jobs
		SET status = 'cancelled', finished_at = ?, updated_at = ?
		WHERE document_id = ? AND status IN ('queued', 'processing')`)
	res, err := r.db.sqldb.ExecContext(ctx, query, toMillis(now), toMillis(now), documentID.String())
	if err != nil {
		r.log.Error("jobs.cancel.failed", "document_id", documentID, "error", err)
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		r.log.Info("jobs.cancelled", "document_id", documentID, "count", affected)
	}
	return affected, nil
}

func (r *jobRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	query := r.db.rebind(`UPDATE jobs
		SET status = 'queued', claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at <= ?`)
	res, err := r.db.sqldb.ExecContext(ctx, query, toMillis(now), toMillis(cutoff))
	if err != nil {
		r.log.Error("jobs.reclaim.failed", "error", err)
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		r.log.Warn("jobs.reclaimed", "count", affected, "older_than", olderThan)
	}
	return affected, nil
}

func (r *jobRepo) GetByID(ctx context.Context, jobID uuid.UUID) (*entity.Job, error) {
	query := r.db.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	job, err := scanJob(r.db.sqldb.QueryRowContext(ctx, query, jobID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return job, err
}

func (r *jobRepo) LatestFailed(ctx context.Context, documentID uuid.UUID) (*entity.Job, error) {
	query := r.db.rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE document_id = ? AND status = 'failed'
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`)
	job, err := scanJob(r.db.sqldb.QueryRowContext(ctx, query, documentID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return job, err
}

func (r *jobRepo) LatestSucceeded(ctx context.Context, documentID uuid.UUID, jobType constants.JobType) (*entity.Job, error) {
	query := r.db.rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE document_id = ? AND job_type = ? AND status = 'succeeded'
		ORDER BY finished_at DESC, created_at DESC
		LIMIT 1`)
	job, err := scanJob(r.db.sqldb.QueryRowContext(ctx, query, documentID.String(), string(jobType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return job, err
}

func (r *jobRepo) HasSucceeded(ctx context.Context, documentID uuid.UUID, jobType constants.JobType) (bool, error) {
	query := r.db.rebind(`SELECT COUNT(1) FROM jobs
		WHERE document_id = ? AND job_type = ? AND status = 'succeeded'`)
	var n int
	if err := r.db.sqldb.QueryRowContext(ctx, query, documentID.String(), string(jobType)).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *jobRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.Job, error) {
	query := r.db.rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE document_id = ?
		ORDER BY created_at ASC`)
	rows, err := r.db.sqldb.QueryContext(ctx, query, documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *jobRepo) ListRecent(ctx context.Context, limit int) ([]*entity.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	query := r.db.rebind(`SELECT ` + jobColumns + ` FROM jobs
		ORDER BY created_at DESC
		LIMIT ?`)
	rows, err := r.db.sqldb.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *jobRepo) CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error) {
	rows, err := r.db.sqldb.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[constants.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[constants.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		id, documentID, jobType, status     string
		runAfter, claimedAt, finishedAt     sql.NullInt64
		payload, result, lastErr, claimedBy sql.NullString
		createdAt, updatedAt                int64
		job                                 entity.Job
	)
	err := row.Scan(&id, &documentID, &jobType, &status, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &runAfter, &payload, &result, &lastErr, &claimedBy,
		&claimedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	job.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	job.DocumentID, err = uuid.Parse(documentID)
	if err != nil {
		return nil, err
	}
	job.Type = constants.JobType(jobType)
	job.Status = constants.JobStatus(status)
	job.RunAfter = fromNullMillis(runAfter)
	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.LastError = fromNullString(lastErr)
	job.ClaimedBy = fromNullString(claimedBy)
	job.ClaimedAt = fromNullMillis(claimedAt)
	job.FinishedAt = fromNullMillis(finishedAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*entity.Job, error) {
	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func rawToNullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
