package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "agentpay/internal/errors"
)

// MemoryRequestStore keeps trigger requests in memory.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*TriggerRequest
}

// NewMemoryRequestStore creates an empty MemoryRequestStore.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]*TriggerRequest)}
}

// Create stores a new trigger request.
func (m *MemoryRequestStore) Create(_ context.Context, req *TriggerRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req == nil || req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "trigger request id must not be empty")
	}
	if _, ok := m.requests[req.ID]; ok {
		return ErrRequestConflict
	}
	now := time.Now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get returns the request.
func (m *MemoryRequestStore) Get(_ context.Context, id string) (*TriggerRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

// Claim transitions the request to running and counts the attempt.
func (m *MemoryRequestStore) Claim(_ context.Context, id string) (*TriggerRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	switch req.Status {
	case StatusSucceeded:
		return cloneRequest(req), ErrRequestCompleted
	case StatusRunning:
		return cloneRequest(req), ErrRequestConflict
	}
	if req.Terminal || req.Attempts >= req.MaxRetries {
		return cloneRequest(req), ErrRequestExhausted
	}
	req.Status = StatusRunning
	req.Attempts++
	req.LastError = ""
	req.ErrorCode = ""
	req.UpdatedAt = time.Now().Unix()
	return cloneRequest(req), nil
}

// MarkSucceeded records the produced execution.
func (m *MemoryRequestStore) MarkSucceeded(_ context.Context, id string, result Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	req.Status = StatusSucceeded
	req.Result = &result
	req.LastError = ""
	req.ErrorCode = ""
	req.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed records the failure. A terminal failure latches: the request can
// never be claimed again, regardless of its remaining retry budget.
func (m *MemoryRequestStore) MarkFailed(_ context.Context, id string, code string, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	req.Status = StatusFailed
	req.LastError = lastError
	req.ErrorCode = code
	if terminal {
		req.Terminal = true
	}
	req.UpdatedAt = time.Now().Unix()
	return nil
}

// List returns requests matching the options.
func (m *MemoryRequestStore) List(_ context.Context, opts ListOptions) ([]*TriggerRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*TriggerRequest, 0, len(m.requests))
	for _, req := range m.requests {
		if !matchesListFilters(req, opts) {
			continue
		}
		results = append(results, cloneRequest(req))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats aggregates requests matching the options.
func (m *MemoryRequestStore) Stats(_ context.Context, opts ListOptions) (RequestStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := RequestStats{}
	for _, req := range m.requests {
		if !matchesListFilters(req, opts) {
			continue
		}
		stats.Total++
		switch req.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if req.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = req.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (req.UpdatedAt != 0 && req.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = req.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close is a no-op for the memory store.
func (m *MemoryRequestStore) Close() error {
	return nil
}

func matchesListFilters(req *TriggerRequest, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if req.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.WorkflowID != "" && req.WorkflowID != opts.WorkflowID {
		return false
	}
	if opts.UpdatedGTE > 0 && req.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && req.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

var _ RequestStore = (*MemoryRequestStore)(nil)
