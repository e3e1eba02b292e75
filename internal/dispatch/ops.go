package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/me/flowq/pkg/model"
	"github.com/me/flowq/pkg/workflow"
)

// The operations below are the API surface the HTTP handlers call. They
// take the same mutex as Tick, so handler traffic and the dispatch loop
// never touch the scheduler concurrently.

// SubmitJob registers a directly-submitted job, persisting it and
// enqueueing it for dispatch. Zero timestamps default to now.
func (l *Loop) SubmitJob(ctx context.Context, job *model.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if job.ID == "" {
		job.ID = "job_" + uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	job.Status = model.JobPending

	if err := l.store.CreateJob(ctx, job); err != nil {
		return err
	}
	l.sched.Submit(job)
	l.logger.Info("job submitted", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	return nil
}

// CancelJob cancels a non-terminal job. Returns false when the job is
// unknown or already terminal.
func (l *Loop) CancelJob(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.sched.Cancel(id) {
		return false, nil
	}
	job, _ := l.sched.Job(id)
	now := l.now()
	job.CompletedAt = &now
	if err := l.store.UpdateJob(ctx, job); err != nil {
		return true, err
	}
	l.logger.Info("job cancelled", "job_id", id)
	return true, nil
}

// RetryJob re-enqueues a failed job. Returns false when the job is
// unknown, not failed, or out of retries.
func (l *Loop) RetryJob(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.sched.Retry(id, l.now()) {
		return false, nil
	}
	job, _ := l.sched.Job(id)
	job.CompletedAt = nil
	if err := l.store.UpdateJob(ctx, job); err != nil {
		return true, err
	}
	l.logger.Info("job retry requested", "job_id", id, "next_at", job.ScheduledAt)
	return true, nil
}

// JobStatus returns the in-memory status of a job known to this loop.
func (l *Loop) JobStatus(id string) (model.JobStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sched.Status(id)
}

// QueueStats returns a snapshot of the scheduler's queue.
func (l *Loop) QueueStats() model.QueueStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sched.Stats()
}

// PendingJobs returns jobs awaiting dispatch (pending or retrying).
func (l *Loop) PendingJobs() []*model.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sched.Pending()
}

// StartRun validates the workflow and creates a pending run for it. Step
// expansion happens on the next tick.
func (l *Loop) StartRun(ctx context.Context, def *model.WorkflowDefinition) (*model.Run, error) {
	if problems := workflow.Validate(def); len(problems) > 0 {
		return nil, fmt.Errorf("workflow %s is not executable: %s", def.Name, problems[0])
	}

	run := &model.Run{
		ID:             "run_" + uuid.New().String(),
		WorkflowID:     def.ID,
		WorkflowName:   def.Name,
		State:          model.RunPending,
		CompletedSteps: []string{},
		CreatedAt:      l.now(),
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	l.logger.Info("run created", "run_id", run.ID, "workflow", def.Name)
	return run, nil
}

// CancelRun cancels a non-terminal run along with all of its live jobs.
// Returns false when the run is unknown or already terminal.
func (l *Loop) CancelRun(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, err := l.store.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	if run == nil || run.State.IsTerminal() {
		return false, nil
	}

	jobs, err := l.store.JobsByRun(ctx, id)
	if err != nil {
		return false, err
	}
	now := l.now()
	for _, job := range jobs {
		if !l.sched.Cancel(job.ID) {
			continue
		}
		job.Status = model.JobCancelled
		job.CompletedAt = &now
		if err := l.store.UpdateJob(ctx, job); err != nil {
			l.logger.Error("persist cancelled job", "job_id", job.ID, "error", err)
		}
	}

	run.State = model.RunCancelled
	run.CompletedAt = &now
	if err := l.store.UpdateRun(ctx, run); err != nil {
		return true, err
	}
	l.logger.Info("run cancelled", "run_id", id)
	return true, nil
}
