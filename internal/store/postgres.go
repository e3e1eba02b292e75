package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/flowq/pkg/model"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. It shares the schema
// and the scan helpers with SQLiteStore; only the placeholder style
// differs.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to the database named by the connection
// string (any form accepted by lib/pq).
func NewPostgresStore(connStr string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Workflow definitions ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, def *model.WorkflowDefinition) error {
	s.logger.Debug("sql", "op", "insert", "table", "workflows", "id", def.ID)

	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, steps, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		def.ID, def.Name, string(stepsJSON),
		def.CreatedAt.Format(time.RFC3339Nano), def.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflows", "id", id)

	var def model.WorkflowDefinition
	var stepsJSON, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, steps, created_at, updated_at FROM workflows WHERE id = $1`, id,
	).Scan(&def.ID, &def.Name, &stepsJSON, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	def.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	def.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &def, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.WorkflowDefinition, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "workflows", "limit", opts.Limit, "offset", opts.Offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, steps, created_at, updated_at FROM workflows
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var defs []*model.WorkflowDefinition
	for rows.Next() {
		var def model.WorkflowDefinition
		var stepsJSON, createdAt, updatedAt string
		if err := rows.Scan(&def.ID, &def.Name, &stepsJSON, &createdAt, &updatedAt); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
			return nil, 0, fmt.Errorf("unmarshal steps: %w", err)
		}
		def.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		def.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		defs = append(defs, &def)
	}
	return defs, total, rows.Err()
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "workflows", "id", id)
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s not found", id)
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	stepsJSON, err := json.Marshal(stringsOrEmpty(run.CompletedSteps))
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.WorkflowID, run.WorkflowName, string(run.State), string(stepsJSON), run.Error,
		run.CreatedAt.Format(time.RFC3339Nano), nullableTime(run.CompletedAt),
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at
		 FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "runs", "status", opts.Status)

	where, args := "", []any{}
	if opts.Status != "" {
		where = " WHERE state = $1"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitArgs := fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at
		 FROM runs`+where+limitArgs, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "state", run.State)

	stepsJSON, err := json.Marshal(stringsOrEmpty(run.CompletedSteps))
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = $1, completed_steps = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(run.State), string(stepsJSON), run.Error, nullableTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *PostgresStore) RunsByState(ctx context.Context, state model.RunState) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "state", state)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at
		 FROM runs WHERE state = $1 ORDER BY created_at`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.Type, rawOrNull(job.Payload), job.Priority, string(job.Status),
		job.CreatedAt.Format(time.RFC3339Nano), job.ScheduledAt.Format(time.RFC3339Nano),
		int64(job.Timeout), job.Retries, job.MaxRetries, job.RunID, job.StepName,
		rawOrNull(job.Output), job.Error, nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID, "status", job.Status)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, scheduled_at = $2, retries = $3, output = $4, error = $5,
		 started_at = $6, completed_at = $7 WHERE id = $8`,
		string(job.Status), job.ScheduledAt.Format(time.RFC3339Nano), job.Retries,
		rawOrNull(job.Output), job.Error, nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "jobs", "status", opts.Status)

	where, args := "", []any{}
	if opts.Status != "" {
		where = " WHERE status = $1"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitArgs := fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+where+limitArgs, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	return jobs, total, err
}

func (s *PostgresStore) JobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "status", status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) JobsByRun(ctx context.Context, runID string) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}
