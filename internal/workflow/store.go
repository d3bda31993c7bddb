package workflow

import "context"

// Store persists workflows and their append-only execution history.
type Store interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	ListWorkflows(ctx context.Context, owner string, limit int) ([]*Workflow, error)
	AppendExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error)
	Close() error
}

// RequestStore persists queued trigger requests.
type RequestStore interface {
	Create(ctx context.Context, req *TriggerRequest) error
	Get(ctx context.Context, id string) (*TriggerRequest, error)
	Claim(ctx context.Context, id string) (*TriggerRequest, error)
	MarkSucceeded(ctx context.Context, id string, result Execution) error
	MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*TriggerRequest, error)
	Stats(ctx context.Context, opts ListOptions) (RequestStats, error)
	Close() error
}
