package workflow

import (
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"agentpay/internal/conditions"
	xerrors "agentpay/internal/errors"
)

// StepType identifies the behaviour of one workflow step.
type StepType string

const (
	StepCallAgent StepType = "call_agent"
	StepTransfer  StepType = "transfer"
	StepSwap      StepType = "swap"
	StepCondition StepType = "condition"
	StepParallel  StepType = "parallel"
	StepDelay     StepType = "delay"
	StepCustom    StepType = "custom"
)

// NoFailureHandler is the step-edge sentinel meaning "no handler": a failed
// step carrying it aborts the run, and as a success edge it terminates the
// walk. Any out-of-range index terminates the walk the same way.
const NoFailureHandler = -1

const (
	// MinWorkflowSteps and MaxWorkflowSteps bound the step sequence.
	MinWorkflowSteps = 1
	MaxWorkflowSteps = 20

	// DefaultStepCeiling bounds the number of step transitions per run.
	// The graph permits cycles, so without a ceiling a run could walk forever.
	DefaultStepCeiling = 256
)

// Step is one node of the workflow graph. Which fields are meaningful depends
// on Type; steps are stored verbatim at creation and validated at execution.
type Step struct {
	Type             StepType        `json:"type"`
	AgentID          string          `json:"agent_id,omitempty"`
	Target           common.Address  `json:"target,omitempty"`
	Payload          []byte          `json:"payload,omitempty"`
	Value            *big.Int        `json:"value,omitempty"`
	ResourceLimit    uint64          `json:"resource_limit,omitempty"`
	Condition        conditions.Kind `json:"condition,omitempty"`
	ConditionPayload []byte          `json:"condition_payload,omitempty"`
	NextOnSuccess    int             `json:"next_on_success"`
	NextOnFailure    int             `json:"next_on_failure"`
}

// Workflow is an ordered step graph owned by one address. Aggregates are
// updated in the same critical section that appends the execution record.
type Workflow struct {
	ID                   string         `json:"id"`
	Owner                common.Address `json:"owner"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Steps                []Step         `json:"steps"`
	Active               bool           `json:"active"`
	TotalExecutions      uint64         `json:"total_executions"`
	SuccessfulExecutions uint64         `json:"successful_executions"`
	TotalResourceUsed    uint64         `json:"total_resource_used"`
	CreatedAt            int64          `json:"created_at"`
	LastExecutedAt       int64          `json:"last_executed_at,omitempty"`
}

// Execution is one run of a workflow. Immutable once Completed is true.
type Execution struct {
	WorkflowID   string         `json:"workflow_id"`
	ExecutionID  string         `json:"execution_id"`
	Executor     common.Address `json:"executor"`
	StartStep    int            `json:"start_step"`
	CurrentStep  int            `json:"current_step"`
	ResourceUsed uint64         `json:"resource_used"`
	Completed    bool           `json:"completed"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    int64          `json:"started_at"`
	CompletedAt  int64          `json:"completed_at,omitempty"`
}

// TransferPayload parametrizes a Transfer step.
type TransferPayload struct {
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
}

// DelayPayload parametrizes a Delay step: the run may pass the gate only
// once now >= Timestamp.
type DelayPayload struct {
	Timestamp int64 `json:"timestamp"`
}

var (
	// ErrWorkflowNotFound means the id resolves to nothing.
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrWorkflowInactive means the workflow was deactivated.
	ErrWorkflowInactive = xerrors.New(CodeWorkflowInactive, "workflow inactive")
	// ErrNotOwner means the caller does not own the workflow.
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not the workflow owner")
	// ErrBadSteps means the step sequence shape is invalid.
	ErrBadSteps = xerrors.New(CodeBadSteps, "invalid step sequence")
	// ErrBadStartStep means the requested start index is out of range.
	ErrBadStartStep = xerrors.New(CodeBadStartStep, "start step out of range")
	// ErrFeeUnpaid means the execution fee transfer failed.
	ErrFeeUnpaid = xerrors.New(CodeFeeUnpaid, "execution fee not paid")
)

const (
	CodeWorkflowNotFound xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInactive xerrors.Code = "WORKFLOW_INACTIVE"
	CodeNotOwner         xerrors.Code = "WORKFLOW_NOT_OWNER"
	CodeBadSteps         xerrors.Code = "WORKFLOW_BAD_STEPS"
	CodeBadStartStep     xerrors.Code = "WORKFLOW_BAD_START_STEP"
	CodeFeeUnpaid        xerrors.Code = "WORKFLOW_FEE_UNPAID"
	CodeStepCeiling      xerrors.Code = "WORKFLOW_STEP_CEILING"
)

func init() {
	register := func(code xerrors.Code, message string, severity xerrors.Severity, retryable bool) {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  severity,
			Retryable: retryable,
			Alert:     false,
		})
	}
	register(CodeWorkflowNotFound, "workflow not found", xerrors.SeverityInfo, false)
	register(CodeWorkflowInactive, "workflow inactive", xerrors.SeverityInfo, false)
	register(CodeNotOwner, "caller is not the workflow owner", xerrors.SeverityWarning, false)
	register(CodeBadSteps, "invalid step sequence", xerrors.SeverityInfo, false)
	register(CodeBadStartStep, "start step out of range", xerrors.SeverityInfo, false)
	register(CodeFeeUnpaid, "execution fee not paid", xerrors.SeverityWarning, true)
	register(CodeStepCeiling, "step transition ceiling exceeded", xerrors.SeverityWarning, false)
}

// DeriveID produces the content-derived workflow or execution handle:
// keccak256 over the creator, creation time and a discriminating salt.
func DeriveID(creator common.Address, createdAtNanos int64, salt string, extra ...[]byte) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAtNanos))
	parts := make([][]byte, 0, 3+len(extra))
	parts = append(parts, creator.Bytes(), ts[:], []byte(salt))
	parts = append(parts, extra...)
	return crypto.Keccak256Hash(parts...).Hex()
}

// MarshalTransfer encodes a Transfer step payload.
func MarshalTransfer(recipient common.Address, amount *big.Int) []byte {
	raw, _ := json.Marshal(TransferPayload{Recipient: recipient, Amount: amount})
	return raw
}

// MarshalDelay encodes a Delay step payload.
func MarshalDelay(timestamp int64) []byte {
	raw, _ := json.Marshal(DelayPayload{Timestamp: timestamp})
	return raw
}

func cloneWorkflow(w *Workflow) *Workflow {
	clone := *w
	clone.Steps = make([]Step, len(w.Steps))
	for i, step := range w.Steps {
		clone.Steps[i] = cloneStep(step)
	}
	return &clone
}

func cloneStep(s Step) Step {
	clone := s
	if s.Payload != nil {
		clone.Payload = append([]byte(nil), s.Payload...)
	}
	if s.ConditionPayload != nil {
		clone.ConditionPayload = append([]byte(nil), s.ConditionPayload...)
	}
	if s.Value != nil {
		clone.Value = new(big.Int).Set(s.Value)
	}
	return clone
}

func cloneExecution(e *Execution) *Execution {
	clone := *e
	return &clone
}
