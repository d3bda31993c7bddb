package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentpay/internal/agents"
	"agentpay/internal/conditions"
	xerrors "agentpay/internal/errors"
	"agentpay/internal/ledger"
	"agentpay/internal/observability/metrics"
	storage "agentpay/internal/storage/mysql"
	"agentpay/pkg/logger"
	"agentpay/pkg/reentrancy"
)

// ExternalCaller performs the opaque call behind a Custom step. The engine
// delegates the payload unchanged; interpretation belongs to the target.
type ExternalCaller interface {
	Call(ctx context.Context, caller, target common.Address, value *big.Int, resourceLimit uint64, payload []byte) error
}

// Engine owns workflow definitions and their execution history. It walks the
// step graph, invoking the agent directory, the ledger gateway and the
// condition evaluator as step side effects. The engine never holds escrowed
// value itself: Transfer and Custom steps route value directly from the
// executing caller to the step target.
type Engine struct {
	store        Store
	gateway      ledger.Gateway
	directory    agents.Directory
	evaluator    *conditions.Evaluator
	external     ExternalCaller
	guard        *reentrancy.Guard
	archive      storage.ExecutionRepository
	feeCollector common.Address
	executionFee *big.Int
	stepCeiling  int
	now          func() time.Time
	log          *slog.Logger
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source for deterministic tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithExecutionFee charges the executor a fixed fee per run, paid to the
// collector before the walk starts.
func WithExecutionFee(fee *big.Int, collector common.Address) EngineOption {
	return func(e *Engine) {
		if fee != nil && fee.Sign() > 0 {
			e.executionFee = new(big.Int).Set(fee)
			e.feeCollector = collector
		}
	}
}

// WithStepCeiling bounds step transitions per run. Zero or negative keeps
// the default.
func WithStepCeiling(ceiling int) EngineOption {
	return func(e *Engine) {
		if ceiling > 0 {
			e.stepCeiling = ceiling
		}
	}
}

// WithExternalCaller wires the collaborator behind Custom steps. Without one,
// Custom steps fail and route to their failure edge.
func WithExternalCaller(caller ExternalCaller) EngineOption {
	return func(e *Engine) {
		e.external = caller
	}
}

// WithExecutionArchive records finished runs in an archive repository.
func WithExecutionArchive(repo storage.ExecutionRepository) EngineOption {
	return func(e *Engine) {
		e.archive = repo
	}
}

// NewEngine wires the workflow executor.
func NewEngine(store Store, gateway ledger.Gateway, directory agents.Directory, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		gateway:     gateway,
		directory:   directory,
		guard:       reentrancy.NewGuard(),
		stepCeiling: DefaultStepCeiling,
		now:         time.Now,
		log:         logger.Named("workflow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.evaluator = conditions.NewEvaluator(gateway, e.now)
	return e
}

// CreateWorkflow stores the step sequence verbatim. Step-internal addresses
// and conditions are not validated here; validation is deferred to execution.
func (e *Engine) CreateWorkflow(ctx context.Context, owner common.Address, name, description string, steps []Step) (*Workflow, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "workflow name must not be empty")
	}
	if len(steps) < MinWorkflowSteps || len(steps) > MaxWorkflowSteps {
		return nil, ErrBadSteps
	}

	now := e.now()
	w := &Workflow{
		ID:          DeriveID(owner, now.UnixNano(), "workflow", []byte(name)),
		Owner:       owner,
		Name:        name,
		Description: description,
		Steps:       make([]Step, len(steps)),
		Active:      true,
		CreatedAt:   now.Unix(),
	}
	for i, step := range steps {
		w.Steps[i] = cloneStep(step)
	}
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	logger.Audit().Info("workflow created",
		slog.String("workflow_id", w.ID),
		slog.String("owner", owner.Hex()),
		slog.String("name", name),
		slog.Int("steps", len(steps)),
	)
	return cloneWorkflow(w), nil
}

// GetWorkflow returns the workflow record.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// ListExecutions returns a workflow's run history, newest first.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	return e.store.ListExecutions(ctx, workflowID, limit)
}

// DeactivateWorkflow is an owner-only one-way latch. In-flight and historical
// executions are unaffected.
func (e *Engine) DeactivateWorkflow(ctx context.Context, caller common.Address, workflowID string) error {
	ctx, err := e.guard.Enter(ctx, workflowID)
	if err != nil {
		return err
	}
	defer e.guard.Exit(workflowID)

	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Owner != caller {
		return ErrNotOwner
	}
	if !w.Active {
		return ErrWorkflowInactive
	}
	w.Active = false
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return err
	}
	logger.Audit().Info("workflow deactivated",
		slog.String("workflow_id", workflowID),
		slog.String("owner", caller.Hex()),
	)
	return nil
}

// ExecuteWorkflow charges the execution fee, then walks the graph from
// startStep. A failed step whose failure edge is the no-handler sentinel
// aborts the run; otherwise the walk follows the success or failure edge
// until it leaves the step range or hits the transition ceiling. The run's
// overall success equals the last step's outcome. Concurrent executions of
// the same workflow queue behind one another; only a step that calls back
// into the workflow it is running under is rejected.
func (e *Engine) ExecuteWorkflow(ctx context.Context, executor common.Address, workflowID string, startStep int) (*Execution, error) {
	ctx, err := e.guard.Enter(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	defer e.guard.Exit(workflowID)

	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, ErrWorkflowInactive
	}
	if startStep < 0 || startStep >= len(w.Steps) {
		return nil, ErrBadStartStep
	}
	if e.executionFee != nil {
		if err := e.gateway.Transfer(ctx, executor, e.feeCollector, e.executionFee); err != nil {
			return nil, xerrors.Wrap(CodeFeeUnpaid, err, "execution fee transfer failed")
		}
	}

	started := e.now()
	run := &Execution{
		WorkflowID:  workflowID,
		ExecutionID: DeriveID(executor, started.UnixNano(), "execution", []byte(workflowID)),
		Executor:    executor,
		StartStep:   startStep,
		CurrentStep: startStep,
		StartedAt:   started.Unix(),
	}

	e.walk(ctx, executor, w, run)

	run.Completed = true
	run.CompletedAt = e.now().Unix()
	if err := e.store.AppendExecution(ctx, run); err != nil {
		return nil, err
	}

	w.TotalExecutions++
	if run.Success {
		w.SuccessfulExecutions++
	}
	w.TotalResourceUsed += run.ResourceUsed
	w.LastExecutedAt = run.CompletedAt
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	e.auditCompleted(ctx, run)
	return cloneExecution(run), nil
}

// walk drives the step loop, mutating run in place.
func (e *Engine) walk(ctx context.Context, executor common.Address, w *Workflow, run *Execution) {
	transitions := 0
	for {
		if transitions >= e.stepCeiling {
			run.Success = false
			run.ErrorMessage = xerrors.New(CodeStepCeiling, "").Error()
			return
		}
		transitions++

		step := w.Steps[run.CurrentStep]
		run.ResourceUsed += stepCost(step)

		ok, detail := e.runStep(ctx, executor, step)
		if !ok && step.NextOnFailure == NoFailureHandler {
			// No handler: abort immediately, CurrentStep stays on the
			// failed step and later steps are never evaluated.
			run.Success = false
			run.ErrorMessage = detail
			return
		}

		next := step.NextOnSuccess
		if !ok {
			next = step.NextOnFailure
		}
		if next < 0 || next >= len(w.Steps) {
			run.Success = ok
			if !ok {
				run.ErrorMessage = detail
			}
			return
		}
		run.CurrentStep = next
	}
}

// runStep evaluates one step and reports (succeeded, failure detail).
// Collaborator failures are contained here and routed via the failure edge;
// they never escalate out of the walk.
func (e *Engine) runStep(ctx context.Context, executor common.Address, step Step) (bool, string) {
	switch step.Type {
	case StepCallAgent:
		if e.directory == nil {
			return false, "agent directory not configured"
		}
		if err := e.directory.RecordCall(ctx, step.AgentID); err != nil {
			return false, fmt.Sprintf("agent call failed: %v", err)
		}
		return true, ""
	case StepTransfer:
		var p TransferPayload
		if err := json.Unmarshal(step.Payload, &p); err != nil || !ledger.ValidAmount(p.Amount) {
			return false, "transfer payload malformed"
		}
		if err := e.gateway.Transfer(ctx, executor, p.Recipient, p.Amount); err != nil {
			return false, fmt.Sprintf("transfer failed: %v", err)
		}
		return true, ""
	case StepCondition:
		ok, err := e.evaluator.Evaluate(ctx, step.Condition, step.ConditionPayload)
		if err != nil {
			return false, fmt.Sprintf("condition evaluation failed: %v", err)
		}
		if !ok {
			return false, "condition not met"
		}
		return true, ""
	case StepDelay:
		var p DelayPayload
		if err := json.Unmarshal(step.Payload, &p); err != nil {
			return false, "delay payload malformed"
		}
		if e.now().Unix() < p.Timestamp {
			// Poll-style gate: the failure edge usually routes back here.
			return false, "delay gate not yet open"
		}
		return true, ""
	case StepCustom:
		if e.external == nil {
			return false, "external caller not configured"
		}
		if err := e.external.Call(ctx, executor, step.Target, step.Value, step.ResourceLimit, step.Payload); err != nil {
			return false, fmt.Sprintf("external call failed: %v", err)
		}
		return true, ""
	case StepSwap, StepParallel:
		// Declared in the step vocabulary but carry no differentiated
		// effect; they report unconditional success.
		return true, ""
	default:
		return false, fmt.Sprintf("unknown step type %q", step.Type)
	}
}

// stepCost is the resource accounting unit per evaluated step. Steps that
// declare a resource limit are billed at that limit; everything else costs
// one unit.
func stepCost(step Step) uint64 {
	if step.ResourceLimit > 0 {
		return step.ResourceLimit
	}
	return 1
}

func (e *Engine) auditCompleted(ctx context.Context, run *Execution) {
	logger.Audit().Info("workflow execution completed",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("execution_id", run.ExecutionID),
		slog.String("executor", run.Executor.Hex()),
		slog.Bool("success", run.Success),
		slog.Uint64("resource_used", run.ResourceUsed),
		slog.Int("final_step", run.CurrentStep),
	)
	metrics.ObserveExecution(run.Success, time.Duration(run.CompletedAt-run.StartedAt)*time.Second)
	if e.archive == nil {
		return
	}
	record := storage.ExecutionRecord{
		ExecutionID:  run.ExecutionID,
		WorkflowID:   run.WorkflowID,
		Executor:     run.Executor.Hex(),
		StartStep:    run.StartStep,
		FinalStep:    run.CurrentStep,
		ResourceUsed: run.ResourceUsed,
		Success:      run.Success,
		ErrorMessage: run.ErrorMessage,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if err := e.archive.Save(ctx, record); err != nil {
		e.log.Error("execution archive write failed",
			slog.Any("error", err),
			slog.String("execution_id", run.ExecutionID),
		)
	}
}
