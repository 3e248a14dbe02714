package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/okezie-m/studypipe/constants"
)

// Document represents one uploaded artifact moving through the pipeline,
// for data transfer between layers.
type Document struct {
	ID          uuid.UUID                `json:"id"`
	UserID      uuid.UUID                `json:"user_id"`
	Title       string                   `json:"title"`
	SourceURI   string                   `json:"source_uri"`
	ContentType string                   `json:"content_type"`
	Status      constants.DocumentStatus `json:"status"`
	// NeedsOCR is nil until the parse stage completes, then fixed once from
	// the parse result and never re-evaluated.
	NeedsOCR  *bool     `json:"needs_ocr,omitempty"`
	PageCount *int      `json:"page_count,omitempty"`
	LastError *string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusChange is one row of a document's transition history.
type StatusChange struct {
	DocumentID uuid.UUID                `json:"document_id"`
	From       constants.DocumentStatus `json:"from"`
	To         constants.DocumentStatus `json:"to"`
	At         time.Time                `json:"at"`
}
