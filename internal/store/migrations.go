package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all FlowQ tables. Each statement uses
// IF NOT EXISTS for idempotency, and the DDL sticks to TEXT/INTEGER/REAL
// so the same statements run on both SQLite and Postgres. Timestamps are
// RFC3339Nano TEXT; durations are INTEGER nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		steps      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		workflow_id     TEXT NOT NULL,
		workflow_name   TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'pending',
		completed_steps TEXT NOT NULL DEFAULT '[]',
		error           TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		completed_at    TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		payload      TEXT NOT NULL DEFAULT 'null',
		priority     REAL NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT 'pending',
		created_at   TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		timeout      INTEGER NOT NULL DEFAULT 0,
		retries      INTEGER NOT NULL DEFAULT 0,
		max_retries  INTEGER NOT NULL DEFAULT 0,
		run_id       TEXT NOT NULL DEFAULT '',
		step_name    TEXT NOT NULL DEFAULT '',
		output       TEXT NOT NULL DEFAULT 'null',
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT,
		completed_at TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
}

// migrate applies the schema to the given database.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
