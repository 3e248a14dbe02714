// Package worker runs the claiming loop: a fixed pool of goroutines pulls
// eligible jobs from the store, dispatches them to the registered stage
// executors, and reports outcomes back to the pipeline processor.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okezie-m/studypipe/internal/entity"
	"github.com/okezie-m/studypipe/internal/executor"
	"github.com/okezie-m/studypipe/internal/metrics"
	"github.com/okezie-m/studypipe/internal/pipeline"
	"github.com/okezie-m/studypipe/internal/repository"
)

// outcomeTimeout bounds the outcome writes for a finished attempt. These run
// on a detached context: the claim is already durable, and dropping the write
// because the pool context was cancelled would strand the job in processing.
const outcomeTimeout = 30 * time.Second

type Pool struct {
	log        *slog.Logger
	jobs       repository.JobRepository
	proc       *pipeline.Processor
	registry   *executor.Registry
	metrics    *metrics.Metrics
	workers    int
	idle       time.Duration
	jobTimeout time.Duration

	wg   sync.WaitGroup
	once sync.Once
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithIdleInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idle = d
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

func NewPool(log *slog.Logger, jobs repository.JobRepository, proc *pipeline.Processor, registry *executor.Registry, m *metrics.Metrics, opts ...Option) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		log:        log,
		jobs:       jobs,
		proc:       proc,
		registry:   registry,
		metrics:    m,
		workers:    4,
		idle:       500 * time.Millisecond,
		jobTimeout: 3 * time.Minute,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. They stop when ctx is cancelled; Shutdown
// waits for in-flight jobs to settle.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			workerID := fmt.Sprintf("worker-%d", i+1)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.log.Info("worker started", "worker_id", workerID)
				p.run(ctx, workerID)
				p.log.Info("worker stopped", "worker_id", workerID)
			}()
		}
	})
}

// Shutdown blocks until every worker has exited or ctx expires.
func (p *Pool) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.log.Warn("worker shutdown interrupted by context")
	case <-done:
		p.log.Info("worker pool drained, shutdown complete")
	}
}

func (p *Pool) run(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.jobs.ClaimNext(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("worker.claim.failed", "worker_id", workerID, "error", err)
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		p.metrics.ObserveClaim(job.Type)
		p.log.Info("worker.claimed", "worker_id", workerID, "job_id", job.ID, "document_id", job.DocumentID, "job_type", job.Type, "attempts", job.Attempts)

		start := time.Now()
		res, execErr := p.execute(ctx, job)
		p.settle(workerID, job, res, execErr, start)
	}
}

// settle records the outcome of one finished attempt. It runs on its own
// context so that an attempt interrupted by pool shutdown is still written
// back as a retryable failure instead of staying claimed forever.
func (p *Pool) settle(workerID string, job *entity.Job, res *executor.Result, execErr error, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
	defer cancel()

	if execErr != nil {
		p.log.Warn("worker.stage.failed", "worker_id", workerID, "job_id", job.ID, "job_type", job.Type, "error", execErr)
		p.report(ctx, job, execErr)
		return
	}

	if err := p.proc.OnJobSuccess(ctx, job, res); err != nil {
		// Orchestration hiccup after a successful stage run: surface it
		// as a retryable failure so the job is not stranded in
		// processing.
		p.report(ctx, job, executor.Retryablef("record stage success: %v", err))
		return
	}
	p.metrics.ObserveSuccess(job.Type, time.Since(start))
	p.log.Info("worker.stage.succeeded", "worker_id", workerID, "job_id", job.ID, "job_type", job.Type, "elapsed_ms", time.Since(start).Milliseconds())
}

// execute dispatches one claimed job to its stage executor. Panics and
// timeouts come back as retryable failures; a misbehaving stage never takes
// a worker down with it.
func (p *Pool) execute(ctx context.Context, job *entity.Job) (res *executor.Result, err error) {
	exec, regErr := p.registry.Get(job.Type)
	if regErr != nil {
		return nil, executor.Retryablef("dispatch: %v", regErr)
	}

	cctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = executor.Retryablef("stage panic: %v", r)
		}
	}()
	return exec.Execute(cctx, job)
}

func (p *Pool) report(ctx context.Context, job *entity.Job, execErr error) {
	if err := p.proc.OnJobFailure(ctx, job, execErr); err != nil {
		p.log.Error("worker.report.failed", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.idle):
	}
}
