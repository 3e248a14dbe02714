package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/okezie-m/studypipe/internal/common"
	"github.com/okezie-m/studypipe/internal/executor"
	"github.com/okezie-m/studypipe/internal/export"
	"github.com/okezie-m/studypipe/internal/metrics"
	"github.com/okezie-m/studypipe/internal/pipeline"
	"github.com/okezie-m/studypipe/internal/repository"
	"github.com/okezie-m/studypipe/internal/server"
	"github.com/okezie-m/studypipe/internal/worker"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Error("config.invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, log)
	if err != nil {
		log.Error("db.open.failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Error("db.migrate.failed", "error", err)
		os.Exit(1)
	}
	if err := db.Health(ctx, 3*time.Second); err != nil {
		log.Error("db.health.failed", "error", err)
		os.Exit(1)
	}
	log.Info("db.ready", "driver", cfg.Database.Driver)

	docs := repository.NewDocumentRepository(db, log)
	jobs := repository.NewJobRepository(db, log)

	// This daemon is the queue's only consumer, so any processing row at boot
	// belongs to a previous run that died mid-attempt. Requeue them before the
	// workers start.
	if _, err := jobs.ReclaimStale(ctx, 0); err != nil {
		log.Error("jobs.reclaim.failed", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go m.SampleQueueDepth(ctx, jobs, 15*time.Second, log)

	registry := executor.NewRegistry()
	if err := executor.RegisterLocal(registry, log); err != nil {
		log.Error("executors.register.failed", "error", err)
		os.Exit(1)
	}

	tracker := pipeline.NewTracker(docs, log)
	backoff := pipeline.BackoffPolicy{Base: cfg.Retry.Base, Cap: cfg.Retry.Cap}
	proc := pipeline.NewProcessor(log, jobs, tracker, backoff, cfg.Retry.MaxAttempts, m)

	pool := worker.NewPool(log, jobs, proc, registry, m,
		worker.WithWorkers(cfg.Worker.Count),
		worker.WithIdleInterval(cfg.Worker.IdleInterval),
		worker.WithJobTimeout(cfg.Worker.JobTimeout),
	)
	pool.Start(ctx)

	exporter := export.NewService(docs, jobs, log)
	srv := server.New(log, proc, docs, exporter, db)
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Router(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http.listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http.serve.failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown.begin")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.failed", "error", err)
	}
	pool.Shutdown(shutdownCtx)

	log.Info("shutdown.done")
}
