package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/okezie-m/studypipe/internal/common"
	"github.com/okezie-m/studypipe/internal/export"
	"github.com/okezie-m/studypipe/internal/pipeline"
	"github.com/okezie-m/studypipe/internal/repository"
)

// pipectl is the operator CLI. It talks to the store directly, so it works
// against the same database the daemon uses without going through HTTP.

type app struct {
	log  *slog.Logger
	db   *repository.DB
	docs repository.DocumentRepository
	jobs repository.JobRepository
	proc *pipeline.Processor
}

func newApp(ctx context.Context) (*app, error) {
	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := repository.Open(ctx, repository.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	docs := repository.NewDocumentRepository(db, log)
	jobs := repository.NewJobRepository(db, log)
	tracker := pipeline.NewTracker(docs, log)
	backoff := pipeline.BackoffPolicy{Base: cfg.Retry.Base, Cap: cfg.Retry.Cap}
	proc := pipeline.NewProcessor(log, jobs, tracker, backoff, cfg.Retry.MaxAttempts, nil)

	return &app{log: log, db: db, docs: docs, jobs: jobs, proc: proc}, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func main() {
	root := &cobra.Command{
		Use:           "pipectl",
		Short:         "studypipe pipeline administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(statusCmd(), retryCmd(), cancelCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseDocumentID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid document id %q: %w", arg, err)
	}
	return id, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show a document's pipeline status, history and jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := a.docs.GetByID(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("document  %s\n", doc.ID)
			fmt.Printf("title     %s\n", doc.Title)
			fmt.Printf("status    %s\n", doc.Status)
			if doc.NeedsOCR != nil {
				fmt.Printf("needs_ocr %t\n", *doc.NeedsOCR)
			}
			if doc.PageCount != nil {
				fmt.Printf("pages     %d\n", *doc.PageCount)
			}
			if doc.LastError != nil {
				fmt.Printf("error     %s\n", *doc.LastError)
			}

			history, err := a.docs.History(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println("\nhistory:")
			for _, h := range history {
				fmt.Printf("  %s  %s -> %s\n", h.At.Format(time.RFC3339), h.From, h.To)
			}

			jobs, err := a.jobs.ListByDocument(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println("\njobs:")
			for _, j := range jobs {
				line := fmt.Sprintf("  %-14s %-10s attempts %d/%d", j.Type, j.Status, j.Attempts, j.MaxAttempts)
				if j.RunAfter != nil {
					line += "  run_after " + j.RunAfter.Format(time.RFC3339)
				}
				if j.LastError != nil {
					line += "  error: " + *j.LastError
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <document-id>",
		Short: "Re-run a failed document from the stage that failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.proc.RetryDocument(ctx, id); err != nil {
				return err
			}
			fmt.Printf("document %s requeued\n", id)
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <document-id>",
		Short: "Cancel a document's queued and in-flight jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.proc.CancelDocument(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("cancelled %d job(s) for document %s\n", n, id)
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an XLSX report of recent documents and jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			svc := export.NewService(a.docs, a.jobs, a.log)
			b, err := svc.PipelineReportXLSX(ctx)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(b))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "pipeline-report.xlsx", "output file path")
	return cmd
}
