package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/common"
	"github.com/okezie-m/studypipe/internal/entity"
	"github.com/okezie-m/studypipe/internal/executor"
	"github.com/okezie-m/studypipe/internal/metrics"
	"github.com/okezie-m/studypipe/internal/repository"
)

// Processor ties job outcomes to document transitions: it starts pipelines,
// reacts to stage success/failure, and keeps the resolver loop moving. It is
// the only writer of document status (through the tracker) and the only
// enqueuer of jobs.
type Processor struct {
	log         *slog.Logger
	jobs        repository.JobRepository
	tracker     *Tracker
	backoff     BackoffPolicy
	maxAttempts int
	metrics     *metrics.Metrics
}

func NewProcessor(log *slog.Logger, jobs repository.JobRepository, tracker *Tracker, backoff BackoffPolicy, maxAttempts int, m *metrics.Metrics) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &Processor{
		log:         log,
		jobs:        jobs,
		tracker:     tracker,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		metrics:     m,
	}
}

// Tracker exposes the single status accessor for read-side callers.
func (p *Processor) Tracker() *Tracker {
	return p.tracker
}

// StartDocument is the pipeline entry point, invoked once per created
// document. Calling it again for the same document is harmless: resolution
// is idempotent end to end.
func (p *Processor) StartDocument(ctx context.Context, docID uuid.UUID) error {
	return p.Resolve(ctx, docID)
}

// Resolve inspects a document and performs every due bookkeeping advance,
// then enqueues the stage job its state requires, if any. Duplicate enqueues
// lose against the store's uniqueness guard and are silently absorbed.
func (p *Processor) Resolve(ctx context.Context, docID uuid.UUID) error {
	// Bounded: each iteration either advances the document one step or
	// returns, and the status sequence is finite.
	for i := 0; i < 2*len(constants.DocumentStatusOrder); i++ {
		doc, err := p.tracker.Get(ctx, docID)
		if err != nil {
			return err
		}
		if constants.IsTerminalDocumentStatus(doc.Status) {
			return nil
		}

		// Advances that need no job: pipeline start, the bookkeeping
		// indexing step (the index write happens inside the embed
		// executor), and the crash-recovery edge where parse finished
		// OCR-free but the advance was lost.
		switch {
		case doc.Status == constants.DocUploaded:
			if err := p.advance(ctx, docID, constants.DocUploaded, constants.DocParsing); err != nil {
				return err
			}
			continue
		case doc.Status == constants.DocIndexing:
			if err := p.advance(ctx, docID, constants.DocIndexing, constants.DocSummarizing); err != nil {
				return err
			}
			continue
		case doc.Status == constants.DocParsing && doc.NeedsOCR != nil && !*doc.NeedsOCR:
			if err := p.advance(ctx, docID, constants.DocParsing, constants.DocChunking); err != nil {
				return err
			}
			continue
		}

		stage, ok := NextStage(doc)
		if !ok {
			return nil
		}

		// Partial-restart recovery: a recorded success for this stage means
		// the work is done and only the transition was lost — replay it
		// instead of re-enqueueing.
		done, err := p.jobs.HasSucceeded(ctx, docID, stage)
		if err != nil {
			return err
		}
		if done {
			if stage == constants.JobParse && doc.NeedsOCR == nil {
				if err := p.recoverParseOutcome(ctx, docID); err != nil {
					return err
				}
				continue
			}
			from, to := successTransition(stage, doc)
			if to == "" {
				return nil
			}
			if err := p.advance(ctx, docID, from, to); err != nil {
				return err
			}
			continue
		}

		payload, err := executor.BuildPayload(stage, doc)
		if err != nil {
			return err
		}
		_, err = p.jobs.Enqueue(ctx, repository.EnqueueSpec{
			DocumentID:  docID,
			Type:        stage,
			Priority:    constants.StagePriority[stage],
			MaxAttempts: p.maxAttempts,
			Payload:     payload,
		})
		if errors.Is(err, repository.ErrDuplicateActiveJob) {
			p.log.Debug("pipeline.resolve.duplicate", "document_id", docID, "job_type", stage)
			return nil
		}
		return err
	}
	return nil
}

// recoverParseOutcome replays the OCR decision from a succeeded parse job's
// stored result, covering a crash between the job completion and the
// document-side outcome write.
func (p *Processor) recoverParseOutcome(ctx context.Context, docID uuid.UUID) error {
	job, err := p.jobs.LatestSucceeded(ctx, docID, constants.JobParse)
	if err != nil {
		return err
	}
	var out executor.ParseOutput
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, &out); err != nil {
			p.log.Warn("pipeline.parse_outcome.unreadable", "document_id", docID, "job_id", job.ID, "error", err)
			out = executor.ParseOutput{}
		}
	}
	p.log.Info("pipeline.parse_outcome.recovered", "document_id", docID, "needs_ocr", out.NeedsOCR, "page_count", out.PageCount)
	return p.tracker.RecordParseOutcome(ctx, docID, out.NeedsOCR, out.PageCount)
}

// OnJobSuccess records a stage success and advances the owning document.
// A completion racing a cancellation loses the conditional update and the
// result is discarded.
func (p *Processor) OnJobSuccess(ctx context.Context, job *entity.Job, res *executor.Result) error {
	if res == nil {
		res = &executor.Result{}
	}

	// The conditional completion is the discard fence: only after it wins may
	// any part of the result touch the document. A crash between the two
	// writes is healed by the resolver, which replays the OCR decision from
	// the stored parse result.
	if err := p.jobs.Complete(ctx, job.ID, res.Output); err != nil {
		if errors.Is(err, repository.ErrJobNotActive) {
			p.log.Info("pipeline.result.discarded", "job_id", job.ID, "document_id", job.DocumentID, "job_type", job.Type)
			return nil
		}
		return err
	}

	if job.Type == constants.JobParse {
		if err := p.tracker.RecordParseOutcome(ctx, job.DocumentID, res.NeedsOCR, res.PageCount); err != nil {
			return err
		}
	}

	doc, err := p.tracker.Get(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if from, to := successTransition(job.Type, doc); to != "" {
		if err := p.advance(ctx, job.DocumentID, from, to); err != nil {
			return err
		}
	}
	return p.Resolve(ctx, job.DocumentID)
}

// OnJobFailure applies the retry policy and, when the job fails terminally,
// fails the document with the job's error.
func (p *Processor) OnJobFailure(ctx context.Context, job *entity.Job, execErr error) error {
	message := execErr.Error()
	retryable := executor.IsRetryable(execErr)

	out, err := p.jobs.Fail(ctx, job.ID, message, retryable, p.backoff.Delay)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotActive) {
			p.log.Info("pipeline.failure.discarded", "job_id", job.ID, "document_id", job.DocumentID)
			return nil
		}
		return err
	}

	if !out.Terminal {
		p.metrics.ObserveRetry(job.Type)
		return nil
	}

	p.metrics.ObserveTerminalFailure(job.Type)
	if err := p.tracker.MarkFailed(ctx, job.DocumentID, message); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			// Already terminal; nothing to do.
			return nil
		}
		return err
	}
	p.metrics.ObserveDocumentDone(constants.DocFailed)
	p.log.Warn("pipeline.document.failed", "document_id", job.DocumentID, "job_type", job.Type, "error", message)
	return nil
}

// RetryDocument re-enters a failed document at the stage that failed.
func (p *Processor) RetryDocument(ctx context.Context, docID uuid.UUID) error {
	doc, err := p.tracker.Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Status != constants.DocFailed {
		return common.NewAppError("NOT_FAILED",
			"document is "+string(doc.Status)+", retry is valid only for failed documents", common.ErrInvalidInput)
	}

	failedJob, err := p.jobs.LatestFailed(ctx, docID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.NewAppError("NO_FAILED_JOB", "no failed job recorded for document", common.ErrConflict)
		}
		return err
	}

	status, err := p.tracker.ResetForRetry(ctx, docID, failedJob.Type)
	if err != nil {
		return err
	}
	p.log.Info("pipeline.document.retrying", "document_id", docID, "stage", failedJob.Type, "status", status)
	return p.Resolve(ctx, docID)
}

// CancelDocument cancels every active job of a document. An in-flight
// processing job that finishes later loses its conditional completion and
// the document stays where it was.
func (p *Processor) CancelDocument(ctx context.Context, docID uuid.UUID) (int64, error) {
	n, err := p.jobs.CancelActive(ctx, docID)
	if err != nil {
		return 0, err
	}
	p.log.Info("pipeline.document.cancelled", "document_id", docID, "jobs_cancelled", n)
	return n, nil
}

func (p *Processor) advance(ctx context.Context, docID uuid.UUID, from, to constants.DocumentStatus) error {
	err := p.tracker.Advance(ctx, docID, from, to)
	if errors.Is(err, repository.ErrStaleStatus) {
		// Someone else moved the document first; the next resolve iteration
		// reads the fresh state.
		return nil
	}
	if err != nil {
		return err
	}
	if to == constants.DocReady {
		p.metrics.ObserveDocumentDone(constants.DocReady)
	}
	return nil
}

// successTransition maps a succeeded stage to the document transition it
// causes. The empty result means the document stays put (a parse that needs
// the OCR detour).
func successTransition(stage constants.JobType, doc *entity.Document) (constants.DocumentStatus, constants.DocumentStatus) {
	switch stage {
	case constants.JobParse:
		if doc.NeedsOCR != nil && *doc.NeedsOCR {
			return "", ""
		}
		return constants.DocParsing, constants.DocChunking
	case constants.JobOCR:
		return constants.DocParsing, constants.DocChunking
	case constants.JobChunk:
		return constants.DocChunking, constants.DocEmbedding
	case constants.JobEmbed:
		return constants.DocEmbedding, constants.DocIndexing
	case constants.JobSummarize:
		return constants.DocSummarizing, constants.DocQuizGenerating
	case constants.JobQuizGenerate:
		return constants.DocQuizGenerating, constants.DocReady
	default:
		return "", ""
	}
}
