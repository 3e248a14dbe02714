package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/entity"
)

// RegisterLocal installs the built-in stage set. These executors do no
// network I/O: parse decides the OCR branch from the content type, the
// content stages emit deterministic products keyed by document id. A
// deployment with real parse/LLM services registers its own executors
// instead and the orchestration core is unchanged.
func RegisterLocal(reg *Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	reg.Register(constants.JobParse, Func(func(ctx context.Context, job *entity.Job) (*Result, error) {
		p, err := DecodePayload(constants.JobParse, job.Payload)
		if err != nil {
			return nil, Fatalf("%v", err)
		}
		payload := p.(*ParsePayload)
		if payload.SourceURI == "" {
			return nil, Fatalf("document has no source uri")
		}
		out := ParseOutput{
			PageCount: 1,
			NeedsOCR:  needsOCR(payload.ContentType, payload.SourceURI),
		}
		if !out.NeedsOCR {
			out.Text = fmt.Sprintf("extracted text for %s", payload.DocumentID)
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, Retryablef("encode parse output: %v", err)
		}
		log.Debug("stage.parse.done", "document_id", payload.DocumentID, "needs_ocr", out.NeedsOCR)
		return &Result{Output: raw, NeedsOCR: out.NeedsOCR, PageCount: out.PageCount}, nil
	}))

	reg.Register(constants.JobOCR, Func(func(ctx context.Context, job *entity.Job) (*Result, error) {
		p, err := DecodePayload(constants.JobOCR, job.Payload)
		if err != nil {
			return nil, Fatalf("%v", err)
		}
		payload := p.(*OCRPayload)
		raw, err := json.Marshal(map[string]any{
			"text":  fmt.Sprintf("ocr text for %s", payload.DocumentID),
			"pages": max(payload.PageCount, 1),
		})
		if err != nil {
			return nil, Retryablef("encode ocr output: %v", err)
		}
		return &Result{Output: raw}, nil
	}))

	reg.Register(constants.JobChunk, Func(func(ctx context.Context, job *entity.Job) (*Result, error) {
		return documentResult(constants.JobChunk, job, map[string]any{"chunks": 1})
	}))

	reg.Register(constants.JobEmbed, Func(func(ctx context.Context, job *entity.Job) (*Result, error) {
		return documentResult(constants.JobEmbed, job, map[string]any{"vectors": 1, "dim": 768})
	}))

	summarize := Func(func(ctx context.Context, job *entity.Job) (*Result, error) {
		p, err := DecodePayload(constants.JobSummarize, job.Payload)
		if err != nil {
			return nil, Fatalf("%v", err)
		}
		payload := p.(*SummarizePayload)
		return documentResult(constants.JobSummarize, job, map[string]any{
			"summary":    fmt.Sprintf("summary of document %s", payload.DocumentID),
			"key_points": []string{"generated locally"},
		})
	})
	vs, err := NewValidated(summarize, SummaryOutputSchema())
	if err != nil {
		return fmt.Errorf("summarize schema: %w", err)
	}
	reg.Register(constants.JobSummarize, vs)

	quiz := Func(func(ctx context.Context, job *entity.Job) (*Result, error) {
		p, err := DecodePayload(constants.JobQuizGenerate, job.Payload)
		if err != nil {
			return nil, Fatalf("%v", err)
		}
		payload := p.(*QuizPayload)
		return documentResult(constants.JobQuizGenerate, job, map[string]any{
			"questions": []map[string]any{{
				"prompt":  fmt.Sprintf("what is document %s about?", payload.DocumentID),
				"choices": []string{"its own contents", "something else"},
				"answer":  0,
			}},
		})
	})
	vq, err := NewValidated(quiz, QuizOutputSchema())
	if err != nil {
		return fmt.Errorf("quiz schema: %w", err)
	}
	reg.Register(constants.JobQuizGenerate, vq)

	return nil
}

func documentResult(t constants.JobType, job *entity.Job, out map[string]any) (*Result, error) {
	if _, err := DecodePayload(t, job.Payload); err != nil {
		return nil, Fatalf("%v", err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, Retryablef("encode %s output: %v", t, err)
	}
	return &Result{Output: raw}, nil
}

// needsOCR is the local branch heuristic: image uploads and scan-named PDFs
// go through the OCR detour, everything else has an extractable text layer.
func needsOCR(contentType, sourceURI string) bool {
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	return strings.Contains(strings.ToLower(sourceURI), "scan")
}
