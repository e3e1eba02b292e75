package store

import (
	"context"

	"github.com/me/flowq/pkg/model"
)

// Store defines the persistence layer for FlowQ entities.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, def *model.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.WorkflowDefinition, int, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Workflow runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	RunsByState(ctx context.Context, state model.RunState) ([]*model.Run, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	JobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	JobsByRun(ctx context.Context, runID string) ([]*model.Job, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
