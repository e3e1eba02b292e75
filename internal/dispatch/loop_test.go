package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/me/flowq/internal/store"
	"github.com/me/flowq/internal/worker"
	"github.com/me/flowq/pkg/model"
)

// failHandler always errors; used to exercise the retry path.
type failHandler struct{}

func (failHandler) Type() string { return "fail" }
func (failHandler) Run(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	return nil, errors.New("boom")
}

// testSetup creates an in-memory store, a two-worker pool with noop and
// fail handlers, and a ready-to-tick dispatch Loop. The retry policy uses
// millisecond backoffs so retried jobs come due within a few ticks.
func testSetup(t *testing.T) (*Loop, store.Store) {
	t.Helper()
	return testSetupPool(t, 2)
}

func testSetupPool(t *testing.T, poolSize int) (*Loop, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := worker.NewRegistry(logger)
	reg.Register(worker.NewNoopHandler())
	reg.Register(failHandler{})

	pool := worker.NewPool(reg, poolSize, logger)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	cfg := Config{
		PollInterval: 10 * time.Millisecond,
		RetryPolicy: model.RetryPolicy{
			MaxAttempts:       3,
			Backoff:           time.Millisecond,
			BackoffMultiplier: 1,
			MaxBackoff:        time.Millisecond,
		},
	}
	return NewLoop(st, pool, cfg, logger), st
}

// tickUntil ticks the loop until cond reports true or the deadline passes.
// Ticking is how worker results get folded back into job and run state, so
// tests drive the loop instead of sleeping on wall-clock estimates.
func tickUntil(t *testing.T, loop *Loop, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := loop.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func mustGetJob(t *testing.T, st store.Store, id string) *model.Job {
	t.Helper()
	job, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	if job == nil {
		t.Fatalf("GetJob(%s): not found", id)
	}
	return job
}

func mustGetRun(t *testing.T, st store.Store, id string) *model.Run {
	t.Helper()
	run, err := st.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun(%s): %v", id, err)
	}
	if run == nil {
		t.Fatalf("GetRun(%s): not found", id)
	}
	return run
}

func TestSubmitJobCompletes(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()

	job := &model.Job{Type: "noop", Payload: json.RawMessage(`{"n":1}`), Priority: 5}
	if err := loop.SubmitJob(ctx, job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if !strings.HasPrefix(job.ID, "job_") {
		t.Errorf("ID = %q, want job_ prefix", job.ID)
	}

	tickUntil(t, loop, func() bool {
		status, _ := loop.JobStatus(job.ID)
		return status == model.JobCompleted
	})

	got := mustGetJob(t, st, job.ID)
	if got.Status != model.JobCompleted {
		t.Errorf("persisted status = %s, want %s", got.Status, model.JobCompleted)
	}
	if string(got.Output) != `{"n":1}` {
		t.Errorf("output = %s, want echoed payload", got.Output)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected StartedAt and CompletedAt to be set")
	}
}

func TestFailingJobRetriesThenFailsPermanently(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()

	job := &model.Job{Type: "fail", MaxRetries: 2}
	if err := loop.SubmitJob(ctx, job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	tickUntil(t, loop, func() bool {
		status, _ := loop.JobStatus(job.ID)
		return status == model.JobFailed
	})

	got := mustGetJob(t, st, job.ID)
	if got.Retries != 2 {
		t.Errorf("retries = %d, want 2", got.Retries)
	}
	if !strings.Contains(got.Error, "boom") {
		t.Errorf("error = %q, want handler error", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt on permanent failure")
	}
}

func TestDispatchBurstDoesNotBlockTick(t *testing.T) {
	loop, _ := testSetupPool(t, 1)
	ctx := context.Background()

	const n = 12
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job := &model.Job{Type: "noop"}
		if err := loop.SubmitJob(ctx, job); err != nil {
			t.Fatalf("SubmitJob: %v", err)
		}
		ids = append(ids, job.ID)
	}

	// A single tick must return even though the burst exceeds the pool's
	// buffer many times over. The tick holds the loop mutex, so a blocking
	// Submit here would wedge every API operation with it.
	done := make(chan error, 1)
	go func() { done <- loop.Tick(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Tick did not return with the worker pool full")
	}

	// Overflow jobs stay queued and drain over subsequent ticks.
	tickUntil(t, loop, func() bool {
		for _, id := range ids {
			if status, _ := loop.JobStatus(id); status != model.JobCompleted {
				return false
			}
		}
		return true
	})
}

func TestCancelJobBeforeDispatch(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()

	job := &model.Job{Type: "noop", ScheduledAt: time.Now().Add(time.Hour)}
	if err := loop.SubmitJob(ctx, job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	ok, err := loop.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !ok {
		t.Fatal("CancelJob returned false for a pending job")
	}
	if ok, _ := loop.CancelJob(ctx, job.ID); ok {
		t.Error("second CancelJob should return false")
	}

	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := mustGetJob(t, st, job.ID)
	if got.Status != model.JobCancelled {
		t.Errorf("status = %s, want %s", got.Status, model.JobCancelled)
	}
}

func TestRetryJobAfterPermanentFailure(t *testing.T) {
	loop, _ := testSetup(t)
	ctx := context.Background()

	job := &model.Job{Type: "fail", MaxRetries: 0}
	if err := loop.SubmitJob(ctx, job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	tickUntil(t, loop, func() bool {
		status, _ := loop.JobStatus(job.ID)
		return status == model.JobFailed
	})

	// MaxRetries is exhausted, so a manual retry is refused.
	if ok, _ := loop.RetryJob(ctx, job.ID); ok {
		t.Error("RetryJob should refuse a job with no attempts left")
	}
}

func TestWorkflowRunChain(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()

	def := &model.WorkflowDefinition{
		ID:   "wf_" + uuid.New().String(),
		Name: "chain",
		Steps: []model.WorkflowStep{
			{Name: "a", Action: "noop"},
			{Name: "b", Action: "noop", DependsOn: []string{"a"}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.CreateWorkflow(ctx, def); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	run, err := loop.StartRun(ctx, def)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.State != model.RunPending {
		t.Errorf("new run state = %s, want %s", run.State, model.RunPending)
	}

	tickUntil(t, loop, func() bool {
		return mustGetRun(t, st, run.ID).State == model.RunCompleted
	})

	got := mustGetRun(t, st, run.ID)
	if len(got.CompletedSteps) != 2 {
		t.Fatalf("completed steps = %v, want [a b]", got.CompletedSteps)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt on completed run")
	}

	jobs, err := st.JobsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JobsByRun: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs for run = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != model.JobCompleted {
			t.Errorf("job %s (%s) status = %s, want completed", j.ID, j.StepName, j.Status)
		}
	}
}

func TestWorkflowRunFailsWhenStepExhausted(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()

	def := &model.WorkflowDefinition{
		ID:   "wf_" + uuid.New().String(),
		Name: "doomed",
		Steps: []model.WorkflowStep{
			{Name: "broken", Action: "fail"},
			{Name: "after", Action: "noop", DependsOn: []string{"broken"}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.CreateWorkflow(ctx, def); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	run, err := loop.StartRun(ctx, def)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	tickUntil(t, loop, func() bool {
		return mustGetRun(t, st, run.ID).State == model.RunFailed
	})

	got := mustGetRun(t, st, run.ID)
	if !strings.Contains(got.Error, "broken") {
		t.Errorf("run error = %q, want failing step name", got.Error)
	}

	// The dependent step never became ready, so no job exists for it.
	jobs, err := st.JobsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JobsByRun: %v", err)
	}
	for _, j := range jobs {
		if j.StepName == "after" {
			t.Error("downstream step should not have been submitted")
		}
	}
}

func TestStartRunRejectsCycle(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()

	def := &model.WorkflowDefinition{
		ID:   "wf_" + uuid.New().String(),
		Name: "loop",
		Steps: []model.WorkflowStep{
			{Name: "a", Action: "noop", DependsOn: []string{"b"}},
			{Name: "b", Action: "noop", DependsOn: []string{"a"}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.CreateWorkflow(ctx, def); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if _, err := loop.StartRun(ctx, def); err == nil {
		t.Fatal("StartRun should reject a cyclic workflow")
	}
}

func TestCancelRun(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()

	def := &model.WorkflowDefinition{
		ID:        "wf_" + uuid.New().String(),
		Name:      "cancellable",
		Steps:     []model.WorkflowStep{{Name: "only", Action: "noop"}},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.CreateWorkflow(ctx, def); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	run, err := loop.StartRun(ctx, def)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	ok, err := loop.CancelRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if !ok {
		t.Fatal("CancelRun returned false for a pending run")
	}

	got := mustGetRun(t, st, run.ID)
	if got.State != model.RunCancelled {
		t.Errorf("state = %s, want %s", got.State, model.RunCancelled)
	}

	// A cancelled run is terminal; ticking must not expand its steps.
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	jobs, err := st.JobsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JobsByRun: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs for cancelled run = %d, want 0", len(jobs))
	}
}

func TestRecoverRequeuesOrphanedJobs(t *testing.T) {
	loop, st := testSetup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := &model.Job{
		ID:          "job_" + uuid.New().String(),
		Type:        "noop",
		Status:      model.JobPending,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	orphaned := &model.Job{
		ID:          "job_" + uuid.New().String(),
		Type:        "noop",
		Status:      model.JobRunning,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	for _, j := range []*model.Job{pending, orphaned} {
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	if err := loop.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got := mustGetJob(t, st, orphaned.ID)
	if got.Status != model.JobRetrying {
		t.Errorf("orphaned job status = %s, want %s", got.Status, model.JobRetrying)
	}
	if depth := loop.QueueStats().Depth; depth != 2 {
		t.Errorf("queue depth = %d, want 2", depth)
	}

	// Both recovered jobs run to completion on subsequent ticks.
	tickUntil(t, loop, func() bool {
		a, _ := loop.JobStatus(pending.ID)
		b, _ := loop.JobStatus(orphaned.ID)
		return a == model.JobCompleted && b == model.JobCompleted
	})
}

func TestQueueStats(t *testing.T) {
	loop, _ := testSetup(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	for i := 0; i < 3; i++ {
		job := &model.Job{Type: "noop", Priority: float64(i), ScheduledAt: future}
		if err := loop.SubmitJob(ctx, job); err != nil {
			t.Fatalf("SubmitJob: %v", err)
		}
	}

	stats := loop.QueueStats()
	if stats.Depth != 3 {
		t.Errorf("queue depth = %d, want 3", stats.Depth)
	}
	if stats.Pending != 3 {
		t.Errorf("pending = %d, want 3", stats.Pending)
	}
	if got := len(loop.PendingJobs()); got != 3 {
		t.Errorf("PendingJobs = %d, want 3", got)
	}
}
