package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/flowq/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Workflow definitions ---

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, def *model.WorkflowDefinition) error {
	s.logger.Debug("sql", "op", "insert", "table", "workflows", "id", def.ID)

	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(stepsJSON),
		def.CreatedAt.Format(time.RFC3339Nano), def.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflows", "id", id)

	var def model.WorkflowDefinition
	var stepsJSON, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, steps, created_at, updated_at FROM workflows WHERE id = ?`, id,
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
	if def.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if def.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &def, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.WorkflowDefinition, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "workflows", "limit", opts.Limit, "offset", opts.Offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, steps, created_at, updated_at FROM workflows
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
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

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "workflows", "id", id)
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s not found", id)
	}
	return nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	stepsJSON, err := json.Marshal(stringsOrEmpty(run.CompletedSteps))
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowName, string(run.State), string(stepsJSON), run.Error,
		run.CreatedAt.Format(time.RFC3339Nano), nullableTime(run.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "runs", "status", opts.Status)

	where, args := "", []any{}
	if opts.Status != "" {
		where = " WHERE state = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at
		 FROM runs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
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

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "state", run.State)

	stepsJSON, err := json.Marshal(stringsOrEmpty(run.CompletedSteps))
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, completed_steps = ?, error = ?, completed_at = ? WHERE id = ?`,
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

func (s *SQLiteStore) RunsByState(ctx context.Context, state model.RunState) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "state", state)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, workflow_name, state, completed_steps, error, created_at, completed_at
		 FROM runs WHERE state = ? ORDER BY created_at`, string(state))
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

const jobColumns = `id, type, payload, priority, status, created_at, scheduled_at,
	timeout, retries, max_retries, run_id, step_name, output, error, started_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, rawOrNull(job.Payload), job.Priority, string(job.Status),
		job.CreatedAt.Format(time.RFC3339Nano), job.ScheduledAt.Format(time.RFC3339Nano),
		int64(job.Timeout), job.Retries, job.MaxRetries, job.RunID, job.StepName,
		rawOrNull(job.Output), job.Error, nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID, "status", job.Status)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, retries = ?, output = ?, error = ?,
		 started_at = ?, completed_at = ? WHERE id = ?`,
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

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "jobs", "status", opts.Status)

	where, args := "", []any{}
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	return jobs, total, err
}

func (s *SQLiteStore) JobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "status", status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) JobsByRun(ctx context.Context, runID string) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// --- scan helpers ---

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var state, stepsJSON, createdAt string
	var completedAt sql.NullString

	if err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &state, &stepsJSON,
		&run.Error, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	if err := json.Unmarshal([]byte(stepsJSON), &run.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.CompletedAt = parseNullableTime(completedAt)
	return &run, nil
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var status, payload, output, createdAt, scheduledAt string
	var timeout int64
	var startedAt, completedAt sql.NullString

	if err := row.Scan(&job.ID, &job.Type, &payload, &job.Priority, &status,
		&createdAt, &scheduledAt, &timeout, &job.Retries, &job.MaxRetries,
		&job.RunID, &job.StepName, &output, &job.Error, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	job.Timeout = time.Duration(timeout)
	if payload != "null" {
		job.Payload = json.RawMessage(payload)
	}
	if output != "null" {
		job.Output = json.RawMessage(output)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	job.StartedAt = parseNullableTime(startedAt)
	job.CompletedAt = parseNullableTime(completedAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func stringsOrEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
