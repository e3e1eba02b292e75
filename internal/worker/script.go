package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/me/flowq/pkg/model"
)

// scriptPayload is the expected payload of a "script" job: JavaScript
// source defining main(input), plus the input value passed to it.
type scriptPayload struct {
	Source string          `json:"source"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ScriptHandler evaluates JavaScript job payloads in an embedded runtime.
// Each job runs in a fresh VM, so scripts cannot leak state into each other.
type ScriptHandler struct {
	logger *slog.Logger
}

// NewScriptHandler creates a ScriptHandler.
func NewScriptHandler(logger *slog.Logger) *ScriptHandler {
	return &ScriptHandler{logger: logger.With("component", "script-handler")}
}

// Type returns "script".
func (h *ScriptHandler) Type() string { return "script" }

// Run loads the payload source into a new VM, calls main(input), and
// returns the JSON-encoded result. The VM is interrupted when ctx ends.
func (h *ScriptHandler) Run(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var p scriptPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("job %s: decode payload: %w", job.ID, err)
	}
	if p.Source == "" {
		return nil, fmt.Errorf("job %s: source is empty", job.ID)
	}

	var input any
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &input); err != nil {
			return nil, fmt.Errorf("job %s: decode input: %w", job.ID, err)
		}
	}

	vm := goja.New()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	if _, err := vm.RunString(p.Source); err != nil {
		return nil, fmt.Errorf("job %s: load script: %w", job.ID, err)
	}

	mainFn, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, fmt.Errorf("job %s: script does not define main(input)", job.ID)
	}

	h.logger.Debug("eval", "job_id", job.ID)
	value, err := mainFn(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, fmt.Errorf("job %s: main: %w", job.ID, err)
	}

	out, err := json.Marshal(value.Export())
	if err != nil {
		return nil, fmt.Errorf("job %s: encode result: %w", job.ID, err)
	}
	return out, nil
}
