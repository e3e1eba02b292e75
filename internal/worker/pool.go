package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/flowq/pkg/model"
)

// Result reports the outcome of one job execution back to the dispatch loop.
type Result struct {
	JobID  string
	Output json.RawMessage
	Err    error
}

// Pool is a fixed-size worker pool fed jobs over a channel. The dispatch
// loop owns job state; the pool only executes and reports.
type Pool struct {
	registry *Registry
	jobs     chan *model.Job
	results  chan Result
	size     int
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPool creates a Pool of size workers drawing handlers from the registry.
func NewPool(registry *Registry, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		registry: registry,
		jobs:     make(chan *model.Job, size*2),
		results:  make(chan Result, size*2),
		size:     size,
		logger:   logger.With("component", "worker-pool"),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop
// closes the job channel.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "size", p.size)
}

// Submit hands a job to the pool. Callers must check HasCapacity first:
// a send into a full buffer blocks until a worker frees a slot.
func (p *Pool) Submit(job *model.Job) {
	p.jobs <- job
}

// HasCapacity reports whether a Submit would be accepted without
// blocking. The dispatch loop is the only sender on the job channel and
// workers only drain it, so a true answer holds until the loop's next
// Submit.
func (p *Pool) HasCapacity() bool {
	return len(p.jobs) < cap(p.jobs)
}

// Results returns the channel of completed executions.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Stop closes the job feed, waits for in-flight jobs, then closes the
// results channel.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			output, err := p.run(ctx, job)
			if err != nil {
				p.logger.Info("job failed", "worker", id, "job_id", job.ID, "error", err)
			} else {
				p.logger.Debug("job completed", "worker", id, "job_id", job.ID)
			}
			// Results are drained by the dispatch loop's tick. When the
			// buffer fills between ticks the worker waits here, but still
			// honors shutdown so Stop never stalls on a blocked send.
			select {
			case p.results <- Result{JobID: job.ID, Output: output, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// run resolves the handler and executes the job under its timeout.
func (p *Pool) run(ctx context.Context, job *model.Job) (out json.RawMessage, err error) {
	h, err := p.registry.Get(job.Type)
	if err != nil {
		return nil, err
	}

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	// A handler panic fails the job instead of killing the worker.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	start := time.Now()
	out, err = h.Run(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", job.Type, err)
	}
	p.logger.Debug("handler finished", "type", job.Type, "job_id", job.ID, "elapsed", time.Since(start))
	return out, nil
}
