package worker

import (
	"context"
	"encoding/json"

	"github.com/me/flowq/pkg/model"
)

// NoopHandler accepts any payload and succeeds immediately. Useful for
// smoke tests and for workflow steps that only express ordering.
type NoopHandler struct{}

// NewNoopHandler creates a NoopHandler.
func NewNoopHandler() *NoopHandler { return &NoopHandler{} }

// Type returns "noop".
func (h *NoopHandler) Type() string { return "noop" }

// Run echoes the payload back as the job output.
func (h *NoopHandler) Run(_ context.Context, job *model.Job) (json.RawMessage, error) {
	return job.Payload, nil
}
