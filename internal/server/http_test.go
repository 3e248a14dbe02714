package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/executor"
	"github.com/okezie-m/studypipe/internal/export"
	"github.com/okezie-m/studypipe/internal/pipeline"
	"github.com/okezie-m/studypipe/internal/repository"
)

type serverEnv struct {
	router *gin.Engine
	docs   repository.DocumentRepository
	jobs   repository.JobRepository
	proc   *pipeline.Processor
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := repository.Open(ctx, repository.Config{Driver: repository.DriverSQLite, DSN: dsn}, log)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))

	docs := repository.NewDocumentRepository(db, log)
	jobs := repository.NewJobRepository(db, log)
	tracker := pipeline.NewTracker(docs, log)
	proc := pipeline.NewProcessor(log, jobs, tracker, pipeline.BackoffPolicy{Base: time.Millisecond, Cap: time.Second}, 3, nil)
	exporter := export.NewService(docs, jobs, log)
	srv := New(log, proc, docs, exporter, db)
	return &serverEnv{router: srv.Router(nil), docs: docs, jobs: jobs, proc: proc}
}

func (e *serverEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *serverEnv) createDocument(t *testing.T) uuid.UUID {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/documents", gin.H{
		"user_id":      uuid.New().String(),
		"title":        "discrete math notes",
		"source_uri":   "file:///uploads/discrete.pdf",
		"content_type": "application/pdf",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(constants.DocParsing), resp.Status, "creation starts the pipeline immediately")
	return resp.ID
}

func TestCreateDocumentStartsPipeline(t *testing.T) {
	env := newServerEnv(t)
	id := env.createDocument(t)

	job, err := env.jobs.ClaimNext(context.Background(), "test-worker")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, constants.JobParse, job.Type)
	assert.Equal(t, id, job.DocumentID)
}

func TestCreateDocumentValidation(t *testing.T) {
	env := newServerEnv(t)

	w := env.do(t, http.MethodPost, "/v1/documents", gin.H{"title": "no source"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/documents", gin.H{
		"user_id":    "not-a-uuid",
		"source_uri": "file:///x.pdf",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStatusAndHistory(t *testing.T) {
	env := newServerEnv(t)
	id := env.createDocument(t)

	w := env.do(t, http.MethodGet, "/v1/documents/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, string(constants.DocParsing), status.Status)

	w = env.do(t, http.MethodGet, "/v1/documents/"+id.String()+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		History []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.History, 1)
	assert.Equal(t, string(constants.DocUploaded), hist.History[0].From)
	assert.Equal(t, string(constants.DocParsing), hist.History[0].To)

	w = env.do(t, http.MethodGet, "/v1/documents/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/documents/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryEndpoint(t *testing.T) {
	ctx := context.Background()
	env := newServerEnv(t)
	id := env.createDocument(t)

	// Retry on an in-flight document is rejected.
	w := env.do(t, http.MethodPost, "/v1/documents/"+id.String()+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Fail the parse stage terminally, then retry.
	job, err := env.jobs.ClaimNext(ctx, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, env.proc.OnJobFailure(ctx, job, executor.Fatalf("broken upload")))

	w = env.do(t, http.MethodPost, "/v1/documents/"+id.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(constants.DocParsing), resp.Status)
}

func TestCancelEndpoint(t *testing.T) {
	env := newServerEnv(t)
	id := env.createDocument(t)

	w := env.do(t, http.MethodDelete, "/v1/documents/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		JobsCancelled int64 `json:"jobs_cancelled"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.JobsCancelled)

	// Status endpoint keeps answering; the document itself is untouched.
	w = env.do(t, http.MethodGet, "/v1/documents/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestExportEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.createDocument(t)

	w := env.do(t, http.MethodGet, "/v1/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestHealthEndpoint(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
