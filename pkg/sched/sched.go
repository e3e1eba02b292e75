// Package sched implements a priority-ordered job scheduler with a
// time-gated dispatch queue and a bounded-retry job lifecycle.
//
// The scheduler is a synchronous, single-owner state machine: it never
// reads the wall clock (callers pass "now" explicitly), never blocks, and
// signals every expected condition (empty queue, unready head, unknown
// id, exhausted retries) through return values rather than errors. A host
// embedding it in a multi-worker system must serialize access, e.g. by
// driving it from a single dispatch loop.
package sched

import (
	"sort"
	"time"

	"github.com/me/flowq/pkg/model"
	"github.com/me/flowq/pkg/pqueue"
)

// Scheduler owns one priority queue of jobs keyed by job priority plus an
// id index for O(1) status lookups after a job leaves the queue.
type Scheduler struct {
	queue  *pqueue.Queue[*model.Job]
	jobs   map[string]*model.Job
	policy model.RetryPolicy
}

// New creates an empty Scheduler. The retry policy drives the backoff
// delay computed by Retry.
func New(policy model.RetryPolicy) *Scheduler {
	return &Scheduler{
		queue:  pqueue.New[*model.Job](),
		jobs:   make(map[string]*model.Job),
		policy: policy,
	}
}

// Submit registers a job and enqueues it at its priority with status
// pending. Duplicate ids are a caller error and are not validated here.
func (s *Scheduler) Submit(job *model.Job) {
	job.Status = model.JobPending
	s.jobs[job.ID] = job
	s.queue.Push(job, job.Priority)
}

// Restore re-registers a previously persisted job without resetting its
// lifecycle state, re-queueing it when it was still awaiting dispatch.
// Used to rebuild a scheduler from durable state after a restart.
func (s *Scheduler) Restore(job *model.Job) {
	s.jobs[job.ID] = job
	if job.Status == model.JobPending || job.Status == model.JobRetrying {
		s.queue.Push(job, job.Priority)
	}
}

// GetNext returns the highest-priority job whose scheduled time has
// passed, marking it running. It returns (nil, false) when the queue is
// empty or the head is not yet due: readiness gating blocks strictly at
// the front, so a future-scheduled head hides ready lower-priority jobs
// until it is dispatched or cancelled.
func (s *Scheduler) GetNext(now time.Time) (*model.Job, bool) {
	for {
		head, ok := s.queue.Peek()
		if !ok {
			return nil, false
		}
		// Cancelled jobs may still sit in the queue when Cancel raced a
		// re-push; discard them rather than letting a tombstone gate the head.
		if head.Status == model.JobCancelled {
			s.queue.Pop()
			continue
		}
		if !head.Due(now) {
			return nil, false
		}
		s.queue.Pop()
		head.Status = model.JobRunning
		return head, true
	}
}

// Complete records the outcome of a running job: model.JobCompleted or
// model.JobFailed. The job is not re-enqueued. Returns false for an
// unknown id or an invalid transition, so a job already in a terminal
// state (e.g. cancelled mid-execution) keeps it.
func (s *Scheduler) Complete(id string, outcome model.JobStatus) bool {
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if !job.Status.CanTransitionTo(outcome) {
		return false
	}
	job.Status = outcome
	return true
}

// Retry re-enqueues a failed job at its original priority after the
// backoff delay for its current attempt index, incrementing the attempt
// count. Returns false when the job is unknown, not failed, or out of
// retries; an exhausted job stays failed.
func (s *Scheduler) Retry(id string, now time.Time) bool {
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if job.Status != model.JobFailed {
		return false
	}
	if job.Retries >= job.MaxRetries {
		return false
	}

	job.ScheduledAt = now.Add(s.policy.Delay(job.Retries))
	job.Retries++
	job.Status = model.JobRetrying
	s.queue.Push(job, job.Priority)
	return true
}

// Cancel transitions a non-terminal job to cancelled and drops it from
// the queue so GetNext never dispatches it. Returns false for unknown or
// already-terminal jobs.
func (s *Scheduler) Cancel(id string) bool {
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if job.Status.IsTerminal() {
		return false
	}
	job.Status = model.JobCancelled
	s.queue.Remove(func(j *model.Job) bool { return j.ID == id })
	return true
}

// Status returns the current status of the job with the given id.
func (s *Scheduler) Status(id string) (model.JobStatus, bool) {
	job, ok := s.jobs[id]
	if !ok {
		return "", false
	}
	return job.Status, true
}

// Job returns the job record for the given id.
func (s *Scheduler) Job(id string) (*model.Job, bool) {
	job, ok := s.jobs[id]
	return job, ok
}

// QueueDepth returns the number of jobs awaiting dispatch, including
// future-scheduled and retrying jobs.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// Pending returns jobs whose status is pending or retrying, ordered by
// submission time. Running and terminal jobs are excluded.
func (s *Scheduler) Pending() []*model.Job {
	var out []*model.Job
	for _, job := range s.jobs {
		if job.Status == model.JobPending || job.Status == model.JobRetrying {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns an aggregate snapshot of queue depth and per-status counts.
func (s *Scheduler) Stats() model.QueueStats {
	stats := model.QueueStats{Depth: s.queue.Len()}
	for _, job := range s.jobs {
		switch job.Status {
		case model.JobPending:
			stats.Pending++
		case model.JobRunning:
			stats.Running++
		case model.JobRetrying:
			stats.Retrying++
		case model.JobCompleted:
			stats.Completed++
		case model.JobFailed:
			stats.Failed++
		case model.JobCancelled:
			stats.Cancelled++
		}
	}
	return stats
}
