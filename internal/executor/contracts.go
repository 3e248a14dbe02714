// Package executor defines the contract between the orchestration core and
// the external stage implementations (parse, OCR, chunk, embed, summarize,
// quiz generation). The core dispatches through Executor and never depends
// on concrete stage bodies.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okezie-m/studypipe/internal/entity"
)

// Result is what a stage hands back on success. Output is the stage's
// opaque product, stored on the job. NeedsOCR and PageCount are meaningful
// only on parse results and drive the OCR detour.
type Result struct {
	Output    json.RawMessage
	NeedsOCR  bool
	PageCount int
}

// Error is a stage failure with an explicit retryability verdict. Transient
// faults (timeouts, rate limits) are retryable; structurally bad input is
// not and short-circuits the retry budget.
type Error struct {
	Retryable bool
	Message   string
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("retryable stage error: %s", e.Message)
	}
	return fmt.Sprintf("fatal stage error: %s", e.Message)
}

// Retryablef builds a retryable stage error.
func Retryablef(format string, args ...any) *Error {
	return &Error{Retryable: true, Message: fmt.Sprintf(format, args...)}
}

// Fatalf builds a non-retryable stage error.
func Fatalf(format string, args ...any) *Error {
	return &Error{Retryable: false, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable classifies an executor error. Anything that is not an explicit
// fatal *Error is treated as transient, so unknown faults get the retry
// budget rather than an immediate user-visible failure.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// Executor runs one stage for one claimed job. Implementations must be
// side-effect idempotent where feasible: at-least-once execution means a
// stage may run twice for the same job, so outputs should be keyed by a
// stable (document, stage, sequence) tuple and upserted.
type Executor interface {
	Execute(ctx context.Context, job *entity.Job) (*Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, job *entity.Job) (*Result, error)

func (f Func) Execute(ctx context.Context, job *entity.Job) (*Result, error) {
	return f(ctx, job)
}
