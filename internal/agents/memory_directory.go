package agents

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
)

// MemoryDirectory keeps the agent registry in process memory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryDirectory creates an empty registry.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{agents: make(map[string]*Agent)}
}

// Register adds an agent. The identifier must be unique.
func (d *MemoryDirectory) Register(_ context.Context, agent Agent) error {
	id := strings.TrimSpace(agent.ID)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[id]; ok {
		return xerrors.New(xerrors.CodeConflict, "agent id already registered", xerrors.WithMetadata("agent_id", id))
	}
	clone := agent
	clone.ID = id
	clone.Active = true
	clone.TotalCalls = 0
	if clone.CreatedAt == 0 {
		clone.CreatedAt = nowUnix()
	}
	if agent.FeePerCall != nil {
		clone.FeePerCall = new(big.Int).Set(agent.FeePerCall)
	}
	d.agents[id] = &clone
	return nil
}

// Deactivate latches the agent inactive. Only the owner may do this.
func (d *MemoryDirectory) Deactivate(_ context.Context, caller common.Address, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Owner != caller {
		return xerrors.New(xerrors.CodeUnauthorized, "only the agent owner may deactivate")
	}
	agent.Active = false
	return nil
}

// IsActive implements Directory.
func (d *MemoryDirectory) IsActive(_ context.Context, agentID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return false, ErrAgentNotFound
	}
	return agent.Active, nil
}

// RecordCall implements Directory. It fails for unknown or inactive agents.
func (d *MemoryDirectory) RecordCall(_ context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if !agent.Active {
		return ErrAgentInactive
	}
	agent.TotalCalls++
	return nil
}

// Get returns a copy of the agent record.
func (d *MemoryDirectory) Get(_ context.Context, agentID string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	if agent.FeePerCall != nil {
		clone.FeePerCall = new(big.Int).Set(agent.FeePerCall)
	}
	return &clone, nil
}

var _ Directory = (*MemoryDirectory)(nil)
