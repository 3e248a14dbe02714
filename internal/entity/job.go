package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/okezie-m/studypipe/constants"
)

// Job represents one scheduled, retryable unit of work targeting one
// document and one stage.
type Job struct {
	ID          uuid.UUID           `json:"id"`
	DocumentID  uuid.UUID           `json:"document_id"`
	Type        constants.JobType   `json:"type"`
	Status      constants.JobStatus `json:"status"`
	Priority    int                 `json:"priority"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	// RunAfter is the earliest claim-eligible time; nil means immediately.
	RunAfter   *time.Time      `json:"run_after,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	LastError  *string         `json:"last_error,omitempty"`
	ClaimedBy  *string         `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time      `json:"claimed_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
