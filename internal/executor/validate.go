package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/okezie-m/studypipe/internal/entity"
)

// SummaryOutputSchema constrains the summarize stage's product (draft
// 2020-12 subset, as a generic map so callers can also hand it to a model as
// a structured-output constraint).
func SummaryOutputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"summary":    map[string]any{"type": "string", "minLength": 1},
			"key_points": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"summary"},
	}
}

// QuizOutputSchema constrains the quiz generation stage's product.
func QuizOutputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"questions": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"prompt":  map[string]any{"type": "string", "minLength": 1},
						"choices": map[string]any{"type": "array", "minItems": 2, "items": map[string]any{"type": "string"}},
						"answer":  map[string]any{"type": "integer", "minimum": 0},
					},
					"required": []string{"prompt", "choices", "answer"},
				},
			},
		},
		"required": []string{"questions"},
	}
}

type validated struct {
	next   Executor
	schema *jsonschema.Schema
}

// NewValidated wraps an executor so its output is validated against
// schemaMap before being accepted. A mismatch is reported as retryable: a
// malformed model response may well be well-formed on the next run.
func NewValidated(next Executor, schemaMap map[string]any) (Executor, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &validated{next: next, schema: schema}, nil
}

func (v *validated) Execute(ctx context.Context, job *entity.Job) (*Result, error) {
	res, err := v.next.Execute(ctx, job)
	if err != nil {
		return res, err
	}
	if res == nil || len(res.Output) == 0 {
		return nil, Retryablef("stage returned no output to validate")
	}
	var doc any
	if err := json.Unmarshal(res.Output, &doc); err != nil {
		return nil, Retryablef("stage output is not valid JSON: %v", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, Retryablef("stage output does not match schema: %v", err)
	}
	return res, nil
}
