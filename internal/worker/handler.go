// Package worker executes dispatched jobs through pluggable handlers.
// The scheduler treats payloads as opaque; a Handler keyed by job type is
// the only code that interprets them.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/me/flowq/pkg/model"
)

// Handler is a pluggable backend that runs jobs of one type.
type Handler interface {
	// Type returns the job type identifier this handler serves.
	Type() string

	// Run executes the job and returns its output. The context carries
	// the job's deadline when one is configured.
	Run(ctx context.Context, job *model.Job) (json.RawMessage, error)
}

// Registry maps job types to their Handler implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "handler-registry"),
	}
}

// Register adds a Handler to the registry, keyed by its Type().
func (r *Registry) Register(h Handler) {
	t := h.Type()
	r.handlers[t] = h
	r.logger.Info("handler registered", "type", t)
}

// Get returns the Handler for the given job type or an error if none is registered.
func (r *Registry) Get(t string) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", t)
	}
	return h, nil
}

// Types returns the registered job type identifiers.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
