package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/flowq/pkg/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(discard())
	reg.Register(NewNoopHandler())

	if _, err := reg.Get("noop"); err != nil {
		t.Errorf("Get(noop) = %v, want handler", err)
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Error("Get(missing) succeeded for an unregistered type")
	}
}

func TestShellHandler(t *testing.T) {
	h := NewShellHandler(discard())
	job := &model.Job{
		ID:      "job_sh",
		Type:    "shell",
		Payload: json.RawMessage(`{"argv":["echo","hello"]}`),
	}

	out, err := h.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var result shellOutput
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !strings.Contains(result.Stdout, "hello") {
		t.Errorf("Stdout = %q, want it to contain \"hello\"", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestShellHandler_BadPayload(t *testing.T) {
	h := NewShellHandler(discard())

	tests := []struct {
		name    string
		payload string
	}{
		{"empty argv", `{"argv":[]}`},
		{"not json", `nonsense`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &model.Job{ID: "job_bad", Payload: json.RawMessage(tt.payload)}
			if _, err := h.Run(context.Background(), job); err == nil {
				t.Error("Run succeeded on a bad payload")
			}
		})
	}
}

func TestShellHandler_NonZeroExit(t *testing.T) {
	h := NewShellHandler(discard())
	job := &model.Job{ID: "job_false", Payload: json.RawMessage(`{"argv":["false"]}`)}

	out, err := h.Run(context.Background(), job)
	if err == nil {
		t.Fatal("Run succeeded for a failing command")
	}
	var result shellOutput
	if jsonErr := json.Unmarshal(out, &result); jsonErr != nil {
		t.Fatalf("decode output: %v", jsonErr)
	}
	if result.ExitCode == 0 {
		t.Errorf("ExitCode = 0 for a failing command")
	}
}

func TestScriptHandler(t *testing.T) {
	h := NewScriptHandler(discard())
	job := &model.Job{
		ID:   "job_js",
		Type: "script",
		Payload: json.RawMessage(`{
			"source": "function main(input) { return input.a + input.b; }",
			"input": {"a": 2, "b": 3}
		}`),
	}

	out, err := h.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != "5" {
		t.Errorf("output = %s, want 5", out)
	}
}

func TestScriptHandler_NoMain(t *testing.T) {
	h := NewScriptHandler(discard())
	job := &model.Job{
		ID:      "job_js",
		Payload: json.RawMessage(`{"source": "var x = 1;"}`),
	}
	if _, err := h.Run(context.Background(), job); err == nil {
		t.Error("Run succeeded for a script without main")
	}
}

func TestScriptHandler_SyntaxError(t *testing.T) {
	h := NewScriptHandler(discard())
	job := &model.Job{
		ID:      "job_js",
		Payload: json.RawMessage(`{"source": "function main( {"}`),
	}
	if _, err := h.Run(context.Background(), job); err == nil {
		t.Error("Run succeeded for a script with a syntax error")
	}
}

func TestPool_RunsJobsAndReportsResults(t *testing.T) {
	reg := NewRegistry(discard())
	reg.Register(NewNoopHandler())

	pool := NewPool(reg, 2, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	jobs := []*model.Job{
		{ID: "a", Type: "noop", Payload: json.RawMessage(`1`)},
		{ID: "b", Type: "noop", Payload: json.RawMessage(`2`)},
		{ID: "c", Type: "missing"},
	}
	for _, j := range jobs {
		pool.Submit(j)
	}

	got := make(map[string]Result)
	timeout := time.After(5 * time.Second)
	for len(got) < len(jobs) {
		select {
		case r := <-pool.Results():
			got[r.JobID] = r
		case <-timeout:
			t.Fatalf("timed out with %d/%d results", len(got), len(jobs))
		}
	}

	if got["a"].Err != nil || string(got["a"].Output) != "1" {
		t.Errorf("job a: %+v", got["a"])
	}
	if got["c"].Err == nil {
		t.Error("job c with unregistered type did not fail")
	}

	pool.Stop()
	if _, open := <-pool.Results(); open {
		t.Error("Results channel still open after Stop")
	}
}

func TestPool_JobTimeout(t *testing.T) {
	reg := NewRegistry(discard())
	reg.Register(NewShellHandler(discard()))

	pool := NewPool(reg, 1, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	pool.Submit(&model.Job{
		ID:      "slow",
		Type:    "shell",
		Timeout: 50 * time.Millisecond,
		Payload: json.RawMessage(`{"argv":["sleep","10"]}`),
	})

	select {
	case r := <-pool.Results():
		if r.Err == nil {
			t.Error("job exceeding its timeout did not fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the timed-out job")
	}
}
