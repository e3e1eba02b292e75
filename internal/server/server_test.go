package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/flowq/internal/config"
	"github.com/me/flowq/internal/dispatch"
	"github.com/me/flowq/internal/store"
	"github.com/me/flowq/internal/worker"
	"github.com/me/flowq/pkg/model"
)

// testServer wires a full stack: in-memory store, noop worker pool, and a
// dispatch loop that tests tick by hand.
func testServer(t *testing.T) (*Server, *dispatch.Loop, store.Store) {
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

	pool := worker.NewPool(reg, 1, logger)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	loop := dispatch.NewLoop(st, pool, dispatch.DefaultConfig(), logger)
	return New(config.DefaultServerConfig(), st, loop, reg, logger), loop, st
}

// envelope decodes the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int) envelope {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	env := do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Status   string   `json:"status"`
		Dispatch string   `json:"dispatch"`
		Handlers []string `json:"handlers"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", data.Status)
	}
	if len(data.Handlers) == 0 {
		t.Error("expected registered handler types in health response")
	}

	// The bare liveness route serves the same payload.
	do(t, srv, "GET", "/healthz", "", http.StatusOK)
}

func TestSubmitAndGetJob(t *testing.T) {
	srv, _, _ := testServer(t)

	env := do(t, srv, "POST", "/api/v1/jobs",
		`{"type":"noop","payload":{"x":1},"priority":3,"timeout":"5s","max_retries":2}`,
		http.StatusCreated)

	var job model.Job
	if err := json.Unmarshal(env.Data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if !strings.HasPrefix(job.ID, "job_") {
		t.Errorf("id = %q, want job_ prefix", job.ID)
	}
	if job.Status != model.JobPending {
		t.Errorf("status = %s, want pending", job.Status)
	}

	env = do(t, srv, "GET", "/api/v1/jobs/"+job.ID, "", http.StatusOK)
	var got model.Job
	json.Unmarshal(env.Data, &got)
	if got.Priority != 3 {
		t.Errorf("priority = %v, want 3", got.Priority)
	}
	if got.MaxRetries != 2 {
		t.Errorf("max_retries = %d, want 2", got.MaxRetries)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	srv, _, _ := testServer(t)

	env := do(t, srv, "POST", "/api/v1/jobs", `{"payload":{}}`, http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Fatalf("error = %+v, want validation error", env.Error)
	}

	// Unregistered handler types are rejected up front.
	env = do(t, srv, "POST", "/api/v1/jobs", `{"type":"no-such-handler"}`, http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Fatalf("error = %+v, want validation error", env.Error)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	env := do(t, srv, "GET", "/api/v1/jobs/job_missing", "", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Fatalf("error = %+v, want not found", env.Error)
	}
}

func TestCancelJob(t *testing.T) {
	srv, _, _ := testServer(t)

	env := do(t, srv, "POST", "/api/v1/jobs",
		`{"type":"noop","scheduled_at":"2099-01-01T00:00:00Z"}`, http.StatusCreated)
	var job model.Job
	json.Unmarshal(env.Data, &job)

	env = do(t, srv, "POST", "/api/v1/jobs/"+job.ID+"/cancel", "", http.StatusOK)
	var got model.Job
	json.Unmarshal(env.Data, &got)
	if got.Status != model.JobCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Cancelling a terminal job conflicts.
	env = do(t, srv, "POST", "/api/v1/jobs/"+job.ID+"/cancel", "", http.StatusConflict)
	if env.Error == nil || env.Error.Code != model.ErrConflict {
		t.Fatalf("error = %+v, want conflict", env.Error)
	}
}

func TestRequestIDAdopted(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req_cli12345")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req_cli12345" {
		t.Errorf("X-Request-ID header = %q, want caller id echoed", got)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if env.RequestID != "req_cli12345" {
		t.Errorf("request_id = %q, want caller id adopted", env.RequestID)
	}
}

func TestRetryJobConflictQuotesLiveStatus(t *testing.T) {
	srv, loop, st := testServer(t)
	ctx := context.Background()

	job := &model.Job{Type: "noop", ScheduledAt: time.Now().Add(time.Hour)}
	if err := loop.SubmitJob(ctx, job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	// Make the persisted row lag behind the scheduler: the conflict
	// message must quote the scheduler's status, not the stale read.
	stale := *job
	stale.Status = model.JobRunning
	if err := st.UpdateJob(ctx, &stale); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	env := do(t, srv, "POST", "/api/v1/jobs/"+job.ID+"/retry", "", http.StatusConflict)
	if env.Error == nil || !strings.Contains(env.Error.Message, "status pending") {
		t.Fatalf("error = %+v, want pending status quoted", env.Error)
	}
}

func TestQueueStats(t *testing.T) {
	srv, _, _ := testServer(t)

	do(t, srv, "POST", "/api/v1/jobs", `{"type":"noop","scheduled_at":"2099-01-01T00:00:00Z"}`, http.StatusCreated)
	do(t, srv, "POST", "/api/v1/jobs", `{"type":"noop","scheduled_at":"2099-01-01T00:00:00Z"}`, http.StatusCreated)

	env := do(t, srv, "GET", "/api/v1/queue/stats", "", http.StatusOK)
	var stats model.QueueStats
	json.Unmarshal(env.Data, &stats)
	if stats.Depth != 2 {
		t.Errorf("depth = %d, want 2", stats.Depth)
	}
	if stats.Pending != 2 {
		t.Errorf("pending = %d, want 2", stats.Pending)
	}
}

const chainWorkflow = `{
	"name": "chain",
	"steps": [
		{"name": "a", "action": "noop", "timeout": "100ms"},
		{"name": "b", "action": "noop", "depends_on": ["a"], "timeout": "200ms"}
	]
}`

func TestCreateAndGetWorkflow(t *testing.T) {
	srv, _, _ := testServer(t)

	env := do(t, srv, "POST", "/api/v1/workflows", chainWorkflow, http.StatusCreated)
	var def model.WorkflowDefinition
	if err := json.Unmarshal(env.Data, &def); err != nil {
		t.Fatalf("decode workflow: %v", err)
	}
	if !strings.HasPrefix(def.ID, "wf_") {
		t.Errorf("id = %q, want wf_ prefix", def.ID)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(def.Steps))
	}
	if def.Steps[1].Timeout.String() != "200ms" {
		t.Errorf("step b timeout = %s, want 200ms", def.Steps[1].Timeout)
	}

	env = do(t, srv, "GET", "/api/v1/workflows/"+def.ID, "", http.StatusOK)
	var got model.WorkflowDefinition
	json.Unmarshal(env.Data, &got)
	if got.Name != "chain" {
		t.Errorf("name = %q, want chain", got.Name)
	}
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	srv, _, _ := testServer(t)

	body := `{
		"name": "cyclic",
		"steps": [
			{"name": "a", "action": "noop", "depends_on": ["b"]},
			{"name": "b", "action": "noop", "depends_on": ["a"]}
		]
	}`
	env := do(t, srv, "POST", "/api/v1/workflows", body, http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Fatalf("error = %+v, want validation error", env.Error)
	}
}

func TestValidateAndEstimateWorkflow(t *testing.T) {
	srv, _, _ := testServer(t)

	env := do(t, srv, "POST", "/api/v1/workflows", chainWorkflow, http.StatusCreated)
	var def model.WorkflowDefinition
	json.Unmarshal(env.Data, &def)

	env = do(t, srv, "POST", "/api/v1/workflows/"+def.ID+"/validate", "", http.StatusOK)
	var result struct {
		Valid          bool     `json:"valid"`
		ExecutionOrder []string `json:"execution_order"`
	}
	json.Unmarshal(env.Data, &result)
	if !result.Valid {
		t.Error("expected workflow to be valid")
	}
	if len(result.ExecutionOrder) != 2 || result.ExecutionOrder[0] != "a" {
		t.Errorf("execution_order = %v, want [a b]", result.ExecutionOrder)
	}

	env = do(t, srv, "GET", "/api/v1/workflows/"+def.ID+"/estimate", "", http.StatusOK)
	var est struct {
		EstimatedDuration string `json:"estimated_duration"`
	}
	json.Unmarshal(env.Data, &est)
	if est.EstimatedDuration != "300ms" {
		t.Errorf("estimated_duration = %q, want 300ms", est.EstimatedDuration)
	}
}

func TestStartAndCancelRun(t *testing.T) {
	srv, _, _ := testServer(t)

	env := do(t, srv, "POST", "/api/v1/workflows", chainWorkflow, http.StatusCreated)
	var def model.WorkflowDefinition
	json.Unmarshal(env.Data, &def)

	env = do(t, srv, "POST", "/api/v1/workflows/"+def.ID+"/runs", "", http.StatusCreated)
	var run model.Run
	if err := json.Unmarshal(env.Data, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if !strings.HasPrefix(run.ID, "run_") {
		t.Errorf("id = %q, want run_ prefix", run.ID)
	}
	if run.State != model.RunPending {
		t.Errorf("state = %s, want pending", run.State)
	}

	env = do(t, srv, "GET", "/api/v1/runs/"+run.ID, "", http.StatusOK)
	var report struct {
		State      model.RunState `json:"state"`
		ReadySteps []string       `json:"ready_steps"`
	}
	json.Unmarshal(env.Data, &report)
	if len(report.ReadySteps) != 1 || report.ReadySteps[0] != "a" {
		t.Errorf("ready_steps = %v, want [a]", report.ReadySteps)
	}

	env = do(t, srv, "POST", "/api/v1/runs/"+run.ID+"/cancel", "", http.StatusOK)
	var got model.Run
	json.Unmarshal(env.Data, &got)
	if got.State != model.RunCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	do(t, srv, "POST", "/api/v1/runs/"+run.ID+"/cancel", "", http.StatusConflict)
}

func TestListJobsPagination(t *testing.T) {
	srv, _, _ := testServer(t)

	for i := 0; i < 5; i++ {
		do(t, srv, "POST", "/api/v1/jobs", `{"type":"noop","scheduled_at":"2099-01-01T00:00:00Z"}`, http.StatusCreated)
	}

	env := do(t, srv, "GET", "/api/v1/jobs?limit=2", "", http.StatusOK)
	var jobs []model.Job
	json.Unmarshal(env.Data, &jobs)
	if len(jobs) != 2 {
		t.Errorf("jobs = %d, want 2", len(jobs))
	}
	if env.Pagination == nil {
		t.Fatal("pagination missing")
	}
	if env.Pagination.Total != 5 {
		t.Errorf("total = %d, want 5", env.Pagination.Total)
	}
	if !env.Pagination.HasMore {
		t.Error("has_more = false, want true")
	}
}
