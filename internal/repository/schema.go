package repository

import (
	"context"

	"github.com/okezie-m/studypipe/internal/common"
)

// The DDL is written in the dialect intersection of postgres and sqlite:
// TEXT identifiers, BIGINT unix-millisecond timestamps, INTEGER 0/1 for the
// nullable needs_ocr flag. The partial unique index on (document_id,
// job_type) over non-terminal statuses is the core concurrency guard: two
// resolvers racing to enqueue the same stage collide there, and the loser
// observes a duplicate instead of creating a second active job.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		source_uri   TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		needs_ocr    INTEGER,
		page_count   INTEGER,
		last_error   TEXT,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		document_id  TEXT NOT NULL,
		job_type     TEXT NOT NULL,
		status       TEXT NOT NULL,
		priority     INTEGER NOT NULL DEFAULT 0,
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		run_after    BIGINT,
		payload      TEXT,
		result       TEXT,
		last_error   TEXT,
		claimed_by   TEXT,
		claimed_at   BIGINT,
		finished_at  BIGINT,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_active
		ON jobs (document_id, job_type)
		WHERE status IN ('queued', 'processing')`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_claim
		ON jobs (status, priority, run_after, created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_document
		ON jobs (document_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS document_status_history (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		at          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_history_document
		ON document_status_history (document_id, at)`,
}

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.sqldb.ExecContext(ctx, stmt); err != nil {
			return common.WrapError(err, "apply schema")
		}
	}
	db.logger.Debug("schema up to date")
	return nil
}
