package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/entity"
)

func localRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterLocal(reg, slog.New(slog.NewTextHandler(io.Discard, nil))))
	return reg
}

func localJob(t *testing.T, jt constants.JobType, doc *entity.Document) *entity.Job {
	t.Helper()
	payload, err := BuildPayload(jt, doc)
	require.NoError(t, err)
	return &entity.Job{ID: uuid.New(), DocumentID: doc.ID, Type: jt, Payload: payload}
}

func TestLocalParseDecidesOCRBranch(t *testing.T) {
	reg := localRegistry(t)
	parse, err := reg.Get(constants.JobParse)
	require.NoError(t, err)

	tests := []struct {
		name        string
		contentType string
		sourceURI   string
		wantOCR     bool
	}{
		{"text pdf", "application/pdf", "file:///uploads/notes.pdf", false},
		{"scanned pdf", "application/pdf", "file:///uploads/lecture-scan.pdf", true},
		{"photo upload", "image/png", "file:///uploads/whiteboard.png", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &entity.Document{ID: uuid.New(), SourceURI: tt.sourceURI, ContentType: tt.contentType}
			res, err := parse.Execute(context.Background(), localJob(t, constants.JobParse, doc))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOCR, res.NeedsOCR)
			assert.Positive(t, res.PageCount)

			var out ParseOutput
			require.NoError(t, json.Unmarshal(res.Output, &out))
			assert.Equal(t, tt.wantOCR, out.NeedsOCR)
		})
	}
}

func TestLocalParseRejectsMissingSource(t *testing.T) {
	reg := localRegistry(t)
	parse, err := reg.Get(constants.JobParse)
	require.NoError(t, err)

	doc := &entity.Document{ID: uuid.New()}
	_, err = parse.Execute(context.Background(), localJob(t, constants.JobParse, doc))
	require.Error(t, err)
	assert.False(t, IsRetryable(err), "a document with no source can never parse")
}

func TestLocalContentStagesProduceValidOutput(t *testing.T) {
	reg := localRegistry(t)
	doc := &entity.Document{ID: uuid.New(), SourceURI: "file:///uploads/notes.pdf", ContentType: "application/pdf"}

	// Summarize and quiz run behind schema validation; executing them proves
	// the local outputs conform.
	for _, jt := range []constants.JobType{constants.JobChunk, constants.JobEmbed, constants.JobSummarize, constants.JobQuizGenerate} {
		exec, err := reg.Get(jt)
		require.NoError(t, err)
		res, err := exec.Execute(context.Background(), localJob(t, jt, doc))
		require.NoError(t, err, "stage %s", jt)
		assert.NotEmpty(t, res.Output)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(constants.JobParse)
	require.Error(t, err)
}
