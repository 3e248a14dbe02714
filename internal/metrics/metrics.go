// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/okezie-m/studypipe/constants"
)

// Metrics bundles every collector the pipeline reports into. All methods are
// nil-safe so components can run uninstrumented in tests.
type Metrics struct {
	JobsClaimed   *prometheus.CounterVec
	JobsSucceeded *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec
	DocumentsDone *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_jobs_claimed_total",
			Help: "Jobs claimed by workers, by job type.",
		}, []string{"job_type"}),
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_jobs_succeeded_total",
			Help: "Jobs completed successfully, by job type.",
		}, []string{"job_type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_jobs_failed_total",
			Help: "Terminal job failures, by job type.",
		}, []string{"job_type"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_jobs_retried_total",
			Help: "Retries scheduled after transient failures, by job type.",
		}, []string{"job_type"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studypipe_stage_duration_seconds",
			Help:    "Stage executor wall time, by job type.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job_type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "studypipe_queue_depth",
			Help: "Jobs per status, sampled from the store.",
		}, []string{"status"}),
		DocumentsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_documents_finished_total",
			Help: "Documents reaching a terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.JobsClaimed, m.JobsSucceeded, m.JobsFailed, m.JobsRetried,
		m.StageDuration, m.QueueDepth, m.DocumentsDone)
	return m
}

func (m *Metrics) ObserveClaim(t constants.JobType) {
	if m == nil {
		return
	}
	m.JobsClaimed.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ObserveSuccess(t constants.JobType, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsSucceeded.WithLabelValues(string(t)).Inc()
	m.StageDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (m *Metrics) ObserveRetry(t constants.JobType) {
	if m == nil {
		return
	}
	m.JobsRetried.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ObserveTerminalFailure(t constants.JobType) {
	if m == nil {
		return
	}
	m.JobsFailed.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ObserveDocumentDone(s constants.DocumentStatus) {
	if m == nil {
		return
	}
	m.DocumentsDone.WithLabelValues(string(s)).Inc()
}

// depthSource is the slice of the job store the sampler needs.
type depthSource interface {
	CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error)
}

// SampleQueueDepth polls the store on its own goroutine until ctx ends,
// keeping the queue depth gauge roughly current without touching the claim
// path.
func (m *Metrics) SampleQueueDepth(ctx context.Context, src depthSource, interval time.Duration, log *slog.Logger) {
	if m == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := src.CountByStatus(ctx)
			if err != nil {
				log.Warn("metrics.depth_sample.failed", "error", err)
				continue
			}
			for _, s := range []constants.JobStatus{
				constants.JobQueued, constants.JobProcessing,
				constants.JobSucceeded, constants.JobFailed, constants.JobCancelled,
			} {
				m.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
			}
		}
	}
}
