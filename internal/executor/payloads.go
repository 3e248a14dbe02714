package executor

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/entity"
)

// Stage payloads are a tagged variant keyed by job_type: the store schema
// stays uniform (one opaque column) while each stage sees a concrete type.

type ParsePayload struct {
	DocumentID  uuid.UUID `json:"document_id"`
	SourceURI   string    `json:"source_uri"`
	ContentType string    `json:"content_type"`
}

type OCRPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	SourceURI  string    `json:"source_uri"`
	PageCount  int       `json:"page_count,omitempty"`
}

type ChunkPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

type EmbedPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

type SummarizePayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

type QuizPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// ParseOutput is the parse stage's result shape; NeedsOCR here is the single
// point where the OCR branch is decided.
type ParseOutput struct {
	Text      string `json:"text,omitempty"`
	PageCount int    `json:"page_count"`
	NeedsOCR  bool   `json:"needs_ocr"`
}

// BuildPayload assembles the stage input for a document, keyed by job type.
func BuildPayload(t constants.JobType, doc *entity.Document) (json.RawMessage, error) {
	var v any
	switch t {
	case constants.JobParse:
		v = ParsePayload{DocumentID: doc.ID, SourceURI: doc.SourceURI, ContentType: doc.ContentType}
	case constants.JobOCR:
		p := OCRPayload{DocumentID: doc.ID, SourceURI: doc.SourceURI}
		if doc.PageCount != nil {
			p.PageCount = *doc.PageCount
		}
		v = p
	case constants.JobChunk:
		v = ChunkPayload{DocumentID: doc.ID}
	case constants.JobEmbed:
		v = EmbedPayload{DocumentID: doc.ID}
	case constants.JobSummarize:
		v = SummarizePayload{DocumentID: doc.ID}
	case constants.JobQuizGenerate:
		v = QuizPayload{DocumentID: doc.ID}
	default:
		return nil, fmt.Errorf("unknown job type: %q", t)
	}
	return json.Marshal(v)
}

// DecodePayload recovers the concrete payload type for a job.
func DecodePayload(t constants.JobType, raw json.RawMessage) (any, error) {
	var v any
	switch t {
	case constants.JobParse:
		v = &ParsePayload{}
	case constants.JobOCR:
		v = &OCRPayload{}
	case constants.JobChunk:
		v = &ChunkPayload{}
	case constants.JobEmbed:
		v = &EmbedPayload{}
	case constants.JobSummarize:
		v = &SummarizePayload{}
	case constants.JobQuizGenerate:
		v = &QuizPayload{}
	default:
		return nil, fmt.Errorf("unknown job type: %q", t)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return v, nil
}
