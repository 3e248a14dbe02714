package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/common"
	"github.com/okezie-m/studypipe/internal/entity"
	"github.com/okezie-m/studypipe/internal/repository"
)

// Tracker owns the document status field: every mutation goes through it,
// every other component reads through it. It layers the transition graph on
// top of the repository's conditional updates.
type Tracker struct {
	docs repository.DocumentRepository
	log  *slog.Logger
}

func NewTracker(docs repository.DocumentRepository, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{docs: docs, log: log}
}

// Get is the read accessor used by the resolver and the polling endpoint.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	return t.docs.GetByID(ctx, id)
}

// History returns the document's transition log in order.
func (t *Tracker) History(ctx context.Context, id uuid.UUID) ([]*entity.StatusChange, error) {
	return t.docs.History(ctx, id)
}

// Advance moves a document one step forward along the fixed sequence.
func (t *Tracker) Advance(ctx context.Context, id uuid.UUID, from, to constants.DocumentStatus) error {
	if !constants.ValidDocumentTransition(from, to) {
		return common.NewAppError("INVALID_TRANSITION",
			"document may not move from "+string(from)+" to "+string(to), common.ErrConflict)
	}
	return t.docs.Transition(ctx, id, from, to)
}

// RecordParseOutcome stores the parse stage's metadata; the OCR branch is
// decided here exactly once, from the parse result, never re-evaluated.
func (t *Tracker) RecordParseOutcome(ctx context.Context, id uuid.UUID, needsOCR bool, pageCount int) error {
	return t.docs.SetParseOutcome(ctx, id, needsOCR, pageCount)
}

// MarkFailed moves a document sideways into failed with the job's last error.
func (t *Tracker) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return t.docs.MarkFailed(ctx, id, lastError)
}

// ResetForRetry moves a failed document back to the status owning the failed
// stage — never back to uploaded, so earlier successful stages are not redone.
func (t *Tracker) ResetForRetry(ctx context.Context, id uuid.UUID, stage constants.JobType) (constants.DocumentStatus, error) {
	to, ok := constants.StatusForStage(stage)
	if !ok {
		return "", common.NewAppError("INVALID_STAGE", "unknown stage "+string(stage), common.ErrInvalidInput)
	}
	if err := t.docs.ResetForRetry(ctx, id, to); err != nil {
		return "", err
	}
	t.log.Info("tracker.retry_reset", "document_id", id, "stage", stage, "status", to)
	return to, nil
}
