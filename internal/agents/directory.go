package agents

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
)

// Agent is a payable automation endpoint registered in the directory.
type Agent struct {
	ID         string          `json:"id"`
	Owner      common.Address  `json:"owner"`
	Name       string          `json:"name"`
	Endpoint   string          `json:"endpoint,omitempty"`
	FeePerCall *big.Int        `json:"fee_per_call,omitempty"`
	Active     bool            `json:"active"`
	TotalCalls uint64          `json:"total_calls"`
	CreatedAt  int64           `json:"created_at"`
}

// Directory resolves an agent identifier to an active entity and records
// billable calls. The workflow engine depends on this narrow surface only.
type Directory interface {
	IsActive(ctx context.Context, agentID string) (bool, error)
	RecordCall(ctx context.Context, agentID string) error
}

var (
	// ErrAgentNotFound means the identifier resolves to nothing.
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentInactive means the agent exists but cannot be called.
	ErrAgentInactive = xerrors.New(CodeAgentInactive, "agent inactive")
)

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentInactive xerrors.Code = "AGENT_INACTIVE"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentInactive, xerrors.Attributes{
		Message:   "agent inactive",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func nowUnix() int64 { return time.Now().Unix() }
