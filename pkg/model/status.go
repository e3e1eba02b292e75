package model

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state. A cancelled or
// completed job never re-enters the queue; a failed job only does so
// through an explicit Retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed status transitions for Jobs.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobPending:  {JobRunning, JobCancelled},
	JobRunning:  {JobCompleted, JobFailed, JobCancelled},
	JobRetrying: {JobRunning, JobCancelled},
	JobFailed:   {JobRetrying},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a workflow Run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}
