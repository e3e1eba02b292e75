package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/me/flowq/pkg/model"
)

// shellPayload is the expected payload of a "shell" job.
type shellPayload struct {
	Argv []string `json:"argv"`
	Dir  string   `json:"dir,omitempty"`
}

// shellOutput is the recorded result of a shell execution.
type shellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ShellHandler runs jobs as local OS processes.
type ShellHandler struct {
	logger *slog.Logger
}

// NewShellHandler creates a ShellHandler.
func NewShellHandler(logger *slog.Logger) *ShellHandler {
	return &ShellHandler{logger: logger.With("component", "shell-handler")}
}

// Type returns "shell".
func (h *ShellHandler) Type() string { return "shell" }

// Run executes the payload's argv synchronously. A non-zero exit status
// is an error; the captured output is still returned alongside it.
func (h *ShellHandler) Run(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var p shellPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("job %s: decode payload: %w", job.ID, err)
	}
	if len(p.Argv) == 0 {
		return nil, fmt.Errorf("job %s: argv is missing or empty", job.ID)
	}

	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Debug("exec", "job_id", job.ID, "argv", p.Argv)
	runErr := cmd.Run()

	result := shellOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("job %s: encode output: %w", job.ID, err)
	}
	if runErr != nil {
		return out, fmt.Errorf("job %s: %w", job.ID, runErr)
	}
	return out, nil
}
