package workflow

import (
	"context"
	"sync"

	xerrors "agentpay/internal/errors"
)

// MemoryStore keeps workflows and execution history in memory. It is the
// authoritative store in the single-process deployment; the archive layer
// persists finished executions separately.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	executions map[string][]*Execution
	order      []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		executions: make(map[string][]*Execution),
	}
}

// CreateWorkflow stores a new workflow.
func (m *MemoryStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	if w == nil || w.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "workflow id already exists")
	}
	m.workflows[w.ID] = cloneWorkflow(w)
	m.order = append(m.order, w.ID)
	return nil
}

// GetWorkflow returns a copy of the workflow.
func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(w), nil
}

// UpdateWorkflow replaces the stored workflow.
func (m *MemoryStore) UpdateWorkflow(_ context.Context, w *Workflow) error {
	if w == nil || w.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; !ok {
		return ErrWorkflowNotFound
	}
	m.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

// ListWorkflows returns workflows newest first, optionally filtered by owner.
func (m *MemoryStore) ListWorkflows(_ context.Context, owner string, limit int) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Workflow, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		w := m.workflows[m.order[i]]
		if owner != "" && w.Owner.Hex() != owner {
			continue
		}
		results = append(results, cloneWorkflow(w))
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// AppendExecution adds a completed run to the workflow's history. The
// history is append-only; records are never updated in place.
func (m *MemoryStore) AppendExecution(_ context.Context, e *Execution) error {
	if e == nil || e.WorkflowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution workflow id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[e.WorkflowID]; !ok {
		return ErrWorkflowNotFound
	}
	m.executions[e.WorkflowID] = append(m.executions[e.WorkflowID], cloneExecution(e))
	return nil
}

// ListExecutions returns a workflow's runs, newest first.
func (m *MemoryStore) ListExecutions(_ context.Context, workflowID string, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.executions[workflowID]
	results := make([]*Execution, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		results = append(results, cloneExecution(history[i]))
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
