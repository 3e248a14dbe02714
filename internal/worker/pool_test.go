package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/entity"
	"github.com/okezie-m/studypipe/internal/executor"
	"github.com/okezie-m/studypipe/internal/pipeline"
	"github.com/okezie-m/studypipe/internal/repository"
)

type poolEnv struct {
	docs repository.DocumentRepository
	jobs repository.JobRepository
	proc *pipeline.Processor
	log  *slog.Logger
}

func newPoolEnv(t *testing.T, maxAttempts int) *poolEnv {
	t.Helper()
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
	proc := pipeline.NewProcessor(log, jobs, tracker, pipeline.BackoffPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond}, maxAttempts, nil)
	return &poolEnv{docs: docs, jobs: jobs, proc: proc, log: log}
}

func (e *poolEnv) createDocument(t *testing.T, sourceURI string) *entity.Document {
	t.Helper()
	doc := &entity.Document{
		UserID:      uuid.New(),
		Title:       "thermodynamics handout",
		SourceURI:   sourceURI,
		ContentType: "application/pdf",
	}
	require.NoError(t, e.docs.Create(context.Background(), doc))
	return doc
}

func (e *poolEnv) runPool(t *testing.T, registry *executor.Registry, workers int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(e.log, e.jobs, e.proc, registry, nil,
		WithWorkers(workers),
		WithIdleInterval(5*time.Millisecond),
		WithJobTimeout(time.Second),
	)
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		pool.Shutdown(shutdownCtx)
	})
}

func (e *poolEnv) waitForStatus(t *testing.T, docID uuid.UUID, want constants.DocumentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		doc, err := e.docs.GetByID(context.Background(), docID)
		if err != nil {
			return false
		}
		return doc.Status == want
	}, 10*time.Second, 10*time.Millisecond, "document never reached %s", want)
}

func TestPoolRunsPipelineToReady(t *testing.T) {
	env := newPoolEnv(t, 3)
	registry := executor.NewRegistry()
	require.NoError(t, executor.RegisterLocal(registry, env.log))

	ctx := context.Background()
	doc := env.createDocument(t, "file:///uploads/thermo.pdf")
	require.NoError(t, env.proc.StartDocument(ctx, doc.ID))

	env.runPool(t, registry, 3)
	env.waitForStatus(t, doc.ID, constants.DocReady)

	got, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NeedsOCR)
	assert.False(t, *got.NeedsOCR)

	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Equal(t, constants.JobSucceeded, j.Status, "job %s", j.Type)
	}
}

func TestPoolRunsOCRDetour(t *testing.T) {
	env := newPoolEnv(t, 3)
	registry := executor.NewRegistry()
	require.NoError(t, executor.RegisterLocal(registry, env.log))

	ctx := context.Background()
	// The local parse executor routes scan uploads through OCR.
	doc := env.createDocument(t, "file:///uploads/thermo-scan.pdf")
	require.NoError(t, env.proc.StartDocument(ctx, doc.ID))

	env.runPool(t, registry, 2)
	env.waitForStatus(t, doc.ID, constants.DocReady)

	got, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NeedsOCR)
	assert.True(t, *got.NeedsOCR)

	ok, err := env.jobs.HasSucceeded(ctx, doc.ID, constants.JobOCR)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPoolSurvivesPanickingStage(t *testing.T) {
	env := newPoolEnv(t, 1)
	registry := executor.NewRegistry()
	registry.Register(constants.JobParse, executor.Func(func(ctx context.Context, job *entity.Job) (*executor.Result, error) {
		panic("parse stage exploded")
	}))

	ctx := context.Background()
	doc := env.createDocument(t, "file:///uploads/thermo.pdf")
	require.NoError(t, env.proc.StartDocument(ctx, doc.ID))

	env.runPool(t, registry, 2)

	// One attempt allowed: the recovered panic fails the job terminally and
	// the document with it, and the workers stay alive.
	env.waitForStatus(t, doc.ID, constants.DocFailed)

	got, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "stage panic")
}

func TestShutdownRequeuesInterruptedJob(t *testing.T) {
	env := newPoolEnv(t, 3)
	registry := executor.NewRegistry()
	started := make(chan struct{}, 1)
	// Parse holds the claim until its context is cancelled, standing in for a
	// long stage interrupted by SIGTERM.
	registry.Register(constants.JobParse, executor.Func(func(ctx context.Context, job *entity.Job) (*executor.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, executor.Retryablef("interrupted: %v", ctx.Err())
	}))

	ctx := context.Background()
	doc := env.createDocument(t, "file:///uploads/thermo.pdf")
	require.NoError(t, env.proc.StartDocument(ctx, doc.ID))

	poolCtx, cancel := context.WithCancel(context.Background())
	pool := NewPool(env.log, env.jobs, env.proc, registry, nil,
		WithWorkers(1),
		WithIdleInterval(5*time.Millisecond),
		WithJobTimeout(time.Second),
	)
	pool.Start(poolCtx)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("parse stage never started")
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	pool.Shutdown(shutdownCtx)

	// The interrupted attempt must settle as a retryable failure, not stay
	// claimed: the next daemon run has to be able to pick the job up again.
	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, constants.JobQueued, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Nil(t, jobs[0].ClaimedBy)
	require.NotNil(t, jobs[0].LastError)
	assert.Contains(t, *jobs[0].LastError, "interrupted")

	got, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocParsing, got.Status)
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	env := newPoolEnv(t, 3)
	registry := executor.NewRegistry()
	require.NoError(t, executor.RegisterLocal(registry, env.log))

	// Parse fails twice, then defers to the real local executor.
	local, err := registry.Get(constants.JobParse)
	require.NoError(t, err)
	calls := 0
	registry.Register(constants.JobParse, executor.Func(func(ctx context.Context, job *entity.Job) (*executor.Result, error) {
		calls++
		if calls <= 2 {
			return nil, executor.Retryablef("flaky dependency")
		}
		return local.Execute(ctx, job)
	}))

	ctx := context.Background()
	doc := env.createDocument(t, "file:///uploads/thermo.pdf")
	require.NoError(t, env.proc.StartDocument(ctx, doc.ID))

	// One worker so the call counter is race-free.
	env.runPool(t, registry, 1)
	env.waitForStatus(t, doc.ID, constants.DocReady)
	assert.Equal(t, 3, calls)
}
