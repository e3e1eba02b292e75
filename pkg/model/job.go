package model

import (
	"encoding/json"
	"time"
)

// Job is a schedulable unit of work. The scheduler orders jobs by Priority
// (lower is more urgent) and never dispatches a job before ScheduledAt.
// Payload is opaque to the scheduler; only a worker handler interprets it.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    float64         `json:"priority"`
	Status      JobStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Timeout     time.Duration   `json:"timeout,omitempty"`

	// Retries counts attempts consumed so far; it never exceeds MaxRetries
	// while the job is live.
	Retries    int `json:"retries"`
	MaxRetries int `json:"max_retries"`

	// RunID and StepName tie a job back to the workflow run that produced
	// it. Empty for jobs submitted directly.
	RunID    string `json:"run_id,omitempty"`
	StepName string `json:"step_name,omitempty"`

	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Due reports whether the job's time gate has passed.
func (j *Job) Due(now time.Time) bool {
	return !j.ScheduledAt.After(now)
}
