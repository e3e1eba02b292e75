// Package dispatch hosts the scheduling core: it composes the in-memory
// job scheduler, the workflow engine, the persistence layer, and the
// worker pool into a polling loop. The core library is synchronous and
// clock-free; this package is where the real clock, the mutex, and the
// goroutines live.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/flowq/internal/store"
	"github.com/me/flowq/internal/worker"
	"github.com/me/flowq/pkg/model"
	"github.com/me/flowq/pkg/sched"
	"github.com/me/flowq/pkg/workflow"
)

// Config holds dispatch loop configuration.
type Config struct {
	PollInterval time.Duration
	RetryPolicy  model.RetryPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		RetryPolicy:  model.DefaultRetryPolicy(),
	}
}

// Loop drives jobs and workflow runs through their lifecycles with a
// polling-based dispatch loop. All access to the embedded scheduler is
// serialized by mu: the scheduler itself is a single-owner structure, and
// both the tick and the API handlers reach it through this type.
type Loop struct {
	mu     sync.Mutex
	store  store.Store
	sched  *sched.Scheduler
	pool   *worker.Pool
	config Config
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	// now is swappable in tests; everything downstream of the loop takes
	// explicit timestamps.
	now func() time.Time
}

// NewLoop creates a dispatch loop over the given store and worker pool.
func NewLoop(st store.Store, pool *worker.Pool, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		store:  st,
		sched:  sched.New(cfg.RetryPolicy),
		pool:   pool,
		config: cfg,
		logger: logger.With("component", "dispatch"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Recover rebuilds the in-memory scheduler from durable job state. Jobs
// that were running when the process died are re-queued as retrying so
// they dispatch again; their attempt count is not charged.
func (l *Loop) Recover(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, status := range []model.JobStatus{model.JobPending, model.JobRetrying} {
		jobs, err := l.store.JobsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("load %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			l.sched.Restore(job)
		}
	}

	orphaned, err := l.store.JobsByStatus(ctx, model.JobRunning)
	if err != nil {
		return fmt.Errorf("load running jobs: %w", err)
	}
	for _, job := range orphaned {
		job.Status = model.JobRetrying
		job.ScheduledAt = l.now()
		if err := l.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("requeue orphaned job %s: %w", job.ID, err)
		}
		l.sched.Restore(job)
		l.logger.Info("requeued orphaned job", "job_id", job.ID)
	}

	l.logger.Info("scheduler recovered", "queue_depth", l.sched.QueueDepth())
	return nil
}

// Start begins the dispatch loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("dispatch loop started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("dispatch loop stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the loop and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single dispatch iteration.
func (l *Loop) Tick(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	affected := make(map[string]bool) // run IDs touched this tick

	// Phase 1: Collect finished executions from the worker pool.
	if err := l.collectResults(ctx, affected); err != nil {
		return fmt.Errorf("phase 1 (collect): %w", err)
	}

	// Phase 2: Expand ready workflow steps into submitted jobs.
	if err := l.expandRuns(ctx, affected); err != nil {
		return fmt.Errorf("phase 2 (expand): %w", err)
	}

	// Phase 3: Dispatch due jobs to the worker pool.
	if err := l.dispatchDue(ctx); err != nil {
		return fmt.Errorf("phase 3 (dispatch): %w", err)
	}

	// Phase 4: Finalize runs whose steps are all complete.
	if err := l.finalizeRuns(ctx, affected); err != nil {
		return fmt.Errorf("phase 4 (finalize): %w", err)
	}

	return nil
}

// collectResults drains the pool's result channel and advances job and
// run state: success completes the job (and its workflow step), failure
// either schedules a retry or parks the job as permanently failed.
func (l *Loop) collectResults(ctx context.Context, affected map[string]bool) error {
	for {
		select {
		case res, ok := <-l.pool.Results():
			if !ok {
				return nil
			}
			if err := l.recordResult(ctx, res, affected); err != nil {
				l.logger.Error("record result", "job_id", res.JobID, "error", err)
			}
		default:
			return nil
		}
	}
}

func (l *Loop) recordResult(ctx context.Context, res worker.Result, affected map[string]bool) error {
	job, ok := l.sched.Job(res.JobID)
	if !ok {
		return fmt.Errorf("result for unknown job %s", res.JobID)
	}
	// A job cancelled while executing keeps its terminal status; the
	// worker's late result is dropped.
	if job.Status == model.JobCancelled {
		l.logger.Debug("dropping result of cancelled job", "job_id", job.ID)
		return nil
	}
	now := l.now()

	if res.Err == nil {
		l.sched.Complete(job.ID, model.JobCompleted)
		job.Output = res.Output
		job.CompletedAt = &now
		if err := l.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		l.logger.Info("job completed", "job_id", job.ID, "type", job.Type)
		if job.RunID != "" {
			affected[job.RunID] = true
			return l.completeRunStep(ctx, job)
		}
		return nil
	}

	l.sched.Complete(job.ID, model.JobFailed)
	job.Error = res.Err.Error()
	if res.Output != nil {
		job.Output = res.Output
	}

	if l.sched.Retry(job.ID, now) {
		l.logger.Info("job scheduled for retry",
			"job_id", job.ID, "attempt", job.Retries, "next_at", job.ScheduledAt)
		return l.store.UpdateJob(ctx, job)
	}

	// Out of retries: the failure is permanent.
	job.CompletedAt = &now
	if err := l.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	l.logger.Info("job failed permanently", "job_id", job.ID, "error", job.Error)
	if job.RunID != "" {
		affected[job.RunID] = true
		return l.failRun(ctx, job)
	}
	return nil
}

// completeRunStep marks the job's workflow step completed in its run record.
func (l *Loop) completeRunStep(ctx context.Context, job *model.Job) error {
	run, err := l.store.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", job.RunID, err)
	}
	if run == nil || run.State.IsTerminal() {
		return nil
	}

	exec := workflow.Restore(run.CompletedSteps)
	exec.CompleteStep(job.StepName)
	run.CompletedSteps = exec.CompletedSteps()
	l.logger.Debug("step completed", "run_id", run.ID, "step", job.StepName)
	return l.store.UpdateRun(ctx, run)
}

// failRun finalizes a run whose step has exhausted its retries.
func (l *Loop) failRun(ctx context.Context, job *model.Job) error {
	run, err := l.store.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", job.RunID, err)
	}
	if run == nil || run.State.IsTerminal() {
		return nil
	}

	now := l.now()
	run.State = model.RunFailed
	run.Error = fmt.Sprintf("step %s: %s", job.StepName, job.Error)
	run.CompletedAt = &now
	l.logger.Info("run failed", "run_id", run.ID, "step", job.StepName)
	return l.store.UpdateRun(ctx, run)
}

// expandRuns submits a job for every ready step of every live run that
// does not already have one in flight.
func (l *Loop) expandRuns(ctx context.Context, affected map[string]bool) error {
	var live []*model.Run
	for _, state := range []model.RunState{model.RunPending, model.RunRunning} {
		runs, err := l.store.RunsByState(ctx, state)
		if err != nil {
			return err
		}
		live = append(live, runs...)
	}

	for _, run := range live {
		def, err := l.store.GetWorkflow(ctx, run.WorkflowID)
		if err != nil || def == nil {
			l.logger.Error("load workflow for run", "run_id", run.ID, "error", err)
			continue
		}

		jobs, err := l.store.JobsByRun(ctx, run.ID)
		if err != nil {
			l.logger.Error("load jobs for run", "run_id", run.ID, "error", err)
			continue
		}
		inFlight := make(map[string]bool, len(jobs))
		for _, j := range jobs {
			if j.Status != model.JobCancelled {
				inFlight[j.StepName] = true
			}
		}

		exec := workflow.Restore(run.CompletedSteps)
		for _, step := range workflow.ReadySteps(exec, def) {
			if inFlight[step.Name] {
				continue
			}
			if err := l.submitStepJob(ctx, run, step); err != nil {
				l.logger.Error("submit step job", "run_id", run.ID, "step", step.Name, "error", err)
				continue
			}
			affected[run.ID] = true
		}

		if run.State == model.RunPending && affected[run.ID] {
			run.State = model.RunRunning
			if err := l.store.UpdateRun(ctx, run); err != nil {
				l.logger.Error("activate run", "run_id", run.ID, "error", err)
			} else {
				l.logger.Info("run started", "run_id", run.ID, "workflow", run.WorkflowName)
			}
		}
	}

	return nil
}

// submitStepJob persists and enqueues the job backing one workflow step.
func (l *Loop) submitStepJob(ctx context.Context, run *model.Run, step model.WorkflowStep) error {
	now := l.now()
	job := &model.Job{
		ID:          "job_" + uuid.New().String(),
		Type:        step.Action,
		Payload:     step.Params,
		Status:      model.JobPending,
		CreatedAt:   now,
		ScheduledAt: now,
		Timeout:     step.Timeout,
		MaxRetries:  step.Retry.MaxAttempts,
		RunID:       run.ID,
		StepName:    step.Name,
	}
	if err := l.store.CreateJob(ctx, job); err != nil {
		return err
	}
	l.sched.Submit(job)
	l.logger.Debug("step job submitted", "run_id", run.ID, "step", step.Name, "job_id", job.ID)
	return nil
}

// dispatchDue pulls due jobs off the scheduler and hands them to the
// worker pool, stopping as soon as the pool's buffer is full. Submit
// must never block here: the tick holds the loop mutex, and the result
// channel that would free a worker is only drained by the next tick.
// Jobs left queued dispatch on a later tick.
func (l *Loop) dispatchDue(ctx context.Context) error {
	now := l.now()
	for {
		if !l.pool.HasCapacity() {
			l.logger.Debug("worker pool full, deferring dispatch", "queue_depth", l.sched.QueueDepth())
			return nil
		}
		job, ok := l.sched.GetNext(now)
		if !ok {
			return nil
		}
		started := l.now()
		job.StartedAt = &started
		if err := l.store.UpdateJob(ctx, job); err != nil {
			l.logger.Error("persist dispatched job", "job_id", job.ID, "error", err)
		}
		l.logger.Debug("job dispatched", "job_id", job.ID, "type", job.Type)
		l.pool.Submit(job)
	}
}

// finalizeRuns completes runs whose definitions have no outstanding steps.
func (l *Loop) finalizeRuns(ctx context.Context, affected map[string]bool) error {
	for runID := range affected {
		run, err := l.store.GetRun(ctx, runID)
		if err != nil {
			l.logger.Error("get run for finalize", "run_id", runID, "error", err)
			continue
		}
		if run == nil || run.State.IsTerminal() {
			continue
		}

		def, err := l.store.GetWorkflow(ctx, run.WorkflowID)
		if err != nil || def == nil {
			continue
		}

		exec := workflow.Restore(run.CompletedSteps)
		if !workflow.IsComplete(exec, def) {
			continue
		}

		now := l.now()
		run.State = model.RunCompleted
		run.CompletedAt = &now
		if err := l.store.UpdateRun(ctx, run); err != nil {
			l.logger.Error("finalize run", "run_id", runID, "error", err)
		} else {
			l.logger.Info("run completed", "run_id", runID, "workflow", run.WorkflowName)
		}
	}
	return nil
}
