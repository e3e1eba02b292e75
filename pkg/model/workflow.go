package model

import (
	"encoding/json"
	"time"
)

// WorkflowStep is a single node in a workflow's dependency graph.
// Action names the worker handler that executes the step; Params is the
// opaque payload handed to it.
type WorkflowStep struct {
	Name      string          `json:"name" yaml:"name"`
	Action    string          `json:"action" yaml:"action"`
	Params    json.RawMessage `json:"params,omitempty" yaml:"-"`
	DependsOn []string        `json:"depends_on,omitempty" yaml:"depends_on"`
	Timeout   time.Duration   `json:"timeout,omitempty" yaml:"timeout"`
	Retry     RetryPolicy     `json:"retry" yaml:"retry"`
}

// WorkflowDefinition is a named, immutable set of steps connected by
// dependency edges. Once validated, the edges form a DAG.
type WorkflowDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name" yaml:"name"`
	Steps     []WorkflowStep `json:"steps" yaml:"steps"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Step returns the step with the given name, or nil.
func (d *WorkflowDefinition) Step(name string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Run is one execution of a WorkflowDefinition. CompletedSteps grows
// monotonically as steps finish; the dispatch loop derives the ready set
// from it on every tick.
type Run struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	WorkflowName   string     `json:"workflow_name"`
	State          RunState   `json:"state"`
	CompletedSteps []string   `json:"completed_steps"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// QueueStats is an aggregate snapshot of the scheduler's queue.
type QueueStats struct {
	Depth     int `json:"depth"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
