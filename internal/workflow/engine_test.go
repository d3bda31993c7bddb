package workflow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentpay/internal/agents"
	"agentpay/internal/conditions"
	xerrors "agentpay/internal/errors"
	"agentpay/internal/ledger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testAddr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

type engineFixture struct {
	engine    *Engine
	gateway   *ledger.Memory
	directory *agents.MemoryDirectory
	clock     *fakeClock
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	clk := newFakeClock()
	gateway := ledger.NewMemory(ledger.WithClock(clk.Now))
	directory := agents.NewMemoryDirectory()
	opts = append([]EngineOption{WithEngineClock(clk.Now)}, opts...)
	engine := NewEngine(NewMemoryStore(), gateway, directory, opts...)
	return &engineFixture{engine: engine, gateway: gateway, directory: directory, clock: clk}
}

func (f *engineFixture) createWorkflow(t *testing.T, steps ...Step) *Workflow {
	t.Helper()
	w, err := f.engine.CreateWorkflow(context.Background(), testAddr(0x01), "wf", "", steps)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func TestCreateWorkflowValidatesStepCount(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	owner := testAddr(0x01)

	if _, err := f.engine.CreateWorkflow(ctx, owner, "empty", "", nil); !errors.Is(err, ErrBadSteps) {
		t.Fatalf("empty steps err = %v, want bad steps", err)
	}

	tooMany := make([]Step, MaxWorkflowSteps+1)
	for i := range tooMany {
		tooMany[i] = Step{Type: StepSwap, NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler}
	}
	if _, err := f.engine.CreateWorkflow(ctx, owner, "big", "", tooMany); !errors.Is(err, ErrBadSteps) {
		t.Fatalf("oversized steps err = %v, want bad steps", err)
	}
}

func TestExecuteWorkflowNoHandlerAborts(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Step 0 calls an unknown agent and has no failure handler; step 1 would
	// transfer but must never run.
	recipient := testAddr(0x0A)
	w := f.createWorkflow(t,
		Step{Type: StepCallAgent, AgentID: "missing", NextOnSuccess: 1, NextOnFailure: NoFailureHandler},
		Step{Type: StepTransfer, Payload: MarshalTransfer(recipient, big.NewInt(100)), NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	executor := testAddr(0x02)
	f.gateway.Mint(executor, big.NewInt(1000))

	run, err := f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if run.Success {
		t.Fatalf("aborted run should not be successful")
	}
	if run.CurrentStep != 0 {
		t.Fatalf("current step = %d, want 0 (unchanged from failed step)", run.CurrentStep)
	}
	if !run.Completed {
		t.Fatalf("aborted run should still be completed")
	}

	// Step 1 never evaluated: no value moved.
	bal, _ := f.gateway.BalanceOf(ctx, recipient)
	if bal.Sign() != 0 {
		t.Fatalf("recipient balance = %s, want 0", bal)
	}
}

func TestExecuteWorkflowConditionRoutesBothEdges(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	watched := testAddr(0x0C)
	a := testAddr(0x0A)
	b := testAddr(0x0B)

	// Step 0 checks the watched balance; the true edge transfers to A, the
	// false edge transfers to B.
	w := f.createWorkflow(t,
		Step{
			Type:             StepCondition,
			Condition:        conditions.BalanceGreaterThan,
			ConditionPayload: conditions.MarshalBalance(watched, big.NewInt(50)),
			NextOnSuccess:    1,
			NextOnFailure:    2,
		},
		Step{Type: StepTransfer, Payload: MarshalTransfer(a, big.NewInt(10)), NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
		Step{Type: StepTransfer, Payload: MarshalTransfer(b, big.NewInt(10)), NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	executor := testAddr(0x02)
	f.gateway.Mint(executor, big.NewInt(1000))

	run, err := f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if !run.Success {
		t.Fatalf("false-edge run should succeed via transfer to B: %s", run.ErrorMessage)
	}
	balB, _ := f.gateway.BalanceOf(ctx, b)
	if balB.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("B balance = %s, want 10", balB)
	}

	f.gateway.Mint(watched, big.NewInt(100))
	if _, err := f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0); err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	balA, _ := f.gateway.BalanceOf(ctx, a)
	if balA.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("A balance = %s, want 10", balA)
	}
}

func TestExecuteWorkflowDelayGate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	opening := f.clock.Now().Add(time.Hour).Unix()
	w := f.createWorkflow(t,
		Step{Type: StepDelay, Payload: MarshalDelay(opening), NextOnSuccess: NoFailureHandler, NextOnFailure: 1},
		Step{Type: StepSwap, NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	executor := testAddr(0x02)
	run, err := f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	// Gate closed: the failure edge routed to the no-op step, which succeeded.
	if !run.Success || run.CurrentStep != 1 {
		t.Fatalf("closed gate run: success=%v step=%d, want routed to step 1", run.Success, run.CurrentStep)
	}

	f.clock.Advance(2 * time.Hour)
	run, err = f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if !run.Success || run.CurrentStep != 0 {
		t.Fatalf("open gate run: success=%v step=%d, want terminated at step 0", run.Success, run.CurrentStep)
	}
}

func TestExecuteWorkflowStepCeilingBreaksCycle(t *testing.T) {
	f := newEngineFixture(t, WithStepCeiling(10))
	ctx := context.Background()

	// A one-step cycle: the swap step always succeeds and routes to itself.
	w := f.createWorkflow(t,
		Step{Type: StepSwap, NextOnSuccess: 0, NextOnFailure: NoFailureHandler},
	)

	run, err := f.engine.ExecuteWorkflow(ctx, testAddr(0x02), w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if run.Success {
		t.Fatalf("cyclic run should fail at the ceiling")
	}
	if !strings.Contains(run.ErrorMessage, string(CodeStepCeiling)) {
		t.Fatalf("error message %q does not carry the ceiling code", run.ErrorMessage)
	}
	if run.ResourceUsed != 10 {
		t.Fatalf("resource used = %d, want 10 (one unit per transition)", run.ResourceUsed)
	}
}

func TestExecuteWorkflowChargesFeeAndUpdatesAggregates(t *testing.T) {
	collector := testAddr(0xFE)
	f := newEngineFixture(t, WithExecutionFee(big.NewInt(5), collector))
	ctx := context.Background()

	agentID := "agent-1"
	if err := f.directory.Register(ctx, agents.Agent{ID: agentID, Owner: testAddr(0x01)}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	w := f.createWorkflow(t,
		Step{Type: StepCallAgent, AgentID: agentID, NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	executor := testAddr(0x02)
	if _, err := f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0); !errors.Is(err, ErrFeeUnpaid) {
		t.Fatalf("broke executor err = %v, want fee unpaid", err)
	}

	f.gateway.Mint(executor, big.NewInt(100))
	run, err := f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if !run.Success {
		t.Fatalf("run failed: %s", run.ErrorMessage)
	}

	collected, _ := f.gateway.BalanceOf(ctx, collector)
	if collected.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("collector balance = %s, want 5", collected)
	}

	updated, err := f.engine.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if updated.TotalExecutions != 1 || updated.SuccessfulExecutions != 1 {
		t.Fatalf("aggregates = %d/%d, want 1/1", updated.TotalExecutions, updated.SuccessfulExecutions)
	}
	if updated.LastExecutedAt == 0 {
		t.Fatalf("last executed timestamp not recorded")
	}

	agent, err := f.directory.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.TotalCalls != 1 {
		t.Fatalf("agent calls = %d, want 1", agent.TotalCalls)
	}

	history, err := f.engine.ListExecutions(ctx, w.ID, 0)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(history) != 1 || history[0].ExecutionID != run.ExecutionID {
		t.Fatalf("history = %v, want the single recorded run", history)
	}
}

type fakeExternal struct {
	calls int
	fail  bool
}

func (f *fakeExternal) Call(_ context.Context, _, _ common.Address, _ *big.Int, _ uint64, _ []byte) error {
	f.calls++
	if f.fail {
		return errors.New("remote rejected")
	}
	return nil
}

func TestExecuteWorkflowCustomStepDelegates(t *testing.T) {
	external := &fakeExternal{}
	f := newEngineFixture(t, WithExternalCaller(external))
	ctx := context.Background()

	w := f.createWorkflow(t,
		Step{Type: StepCustom, Target: testAddr(0x0D), Payload: []byte("opaque"), ResourceLimit: 7, NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	run, err := f.engine.ExecuteWorkflow(ctx, testAddr(0x02), w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if !run.Success || external.calls != 1 {
		t.Fatalf("success=%v calls=%d, want delegated call", run.Success, external.calls)
	}
	if run.ResourceUsed != 7 {
		t.Fatalf("resource used = %d, want the step's declared limit", run.ResourceUsed)
	}

	external.fail = true
	run, err = f.engine.ExecuteWorkflow(ctx, testAddr(0x02), w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if run.Success {
		t.Fatalf("failed external call should fail the run")
	}
}

// slowExternal simulates a remote call that takes a while, long enough for
// concurrent executions to pile up on the same workflow.
type slowExternal struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (s *slowExternal) Call(_ context.Context, _, _ common.Address, _ *big.Int, _ uint64, _ []byte) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	time.Sleep(s.delay)
	return nil
}

func (s *slowExternal) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestExecuteWorkflowSerializesConcurrentRuns(t *testing.T) {
	external := &slowExternal{delay: 50 * time.Millisecond}
	f := newEngineFixture(t, WithExternalCaller(external))
	ctx := context.Background()

	w := f.createWorkflow(t,
		Step{Type: StepCustom, Target: testAddr(0x0D), NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	// Distinct callers racing on one workflow queue up; none is rejected.
	const runs = 4
	errs := make(chan error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(executor common.Address) {
			defer wg.Done()
			run, err := f.engine.ExecuteWorkflow(ctx, executor, w.ID, 0)
			if err == nil && !run.Success {
				err = errors.New(run.ErrorMessage)
			}
			errs <- err
		}(testAddr(byte(0x10 + i)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent execute: %v", err)
		}
	}

	if calls := external.callCount(); calls != runs {
		t.Fatalf("external calls = %d, want %d", calls, runs)
	}
	updated, err := f.engine.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if updated.TotalExecutions != runs || updated.SuccessfulExecutions != runs {
		t.Fatalf("aggregates = %d/%d, want %d/%d",
			updated.TotalExecutions, updated.SuccessfulExecutions, runs, runs)
	}
}

// loopbackExternal calls back into the engine for the workflow it is running
// under, using the context the step handed it.
type loopbackExternal struct {
	engine     *Engine
	workflowID string
	nestedErr  error
}

func (l *loopbackExternal) Call(ctx context.Context, caller, _ common.Address, _ *big.Int, _ uint64, _ []byte) error {
	_, err := l.engine.ExecuteWorkflow(ctx, caller, l.workflowID, 0)
	l.nestedErr = err
	return err
}

func TestExecuteWorkflowRejectsStepLoopback(t *testing.T) {
	external := &loopbackExternal{}
	f := newEngineFixture(t, WithExternalCaller(external))
	ctx := context.Background()

	w := f.createWorkflow(t,
		Step{Type: StepCustom, Target: testAddr(0x0D), NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)
	external.engine = f.engine
	external.workflowID = w.ID

	run, err := f.engine.ExecuteWorkflow(ctx, testAddr(0x02), w.ID, 0)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if run.Success {
		t.Fatalf("run with a self-invoking step should fail")
	}
	if !errors.Is(external.nestedErr, xerrors.New(xerrors.CodeReentrancy, "")) {
		t.Fatalf("nested err = %v, want reentrancy rejection", external.nestedErr)
	}
	if !strings.Contains(run.ErrorMessage, string(xerrors.CodeReentrancy)) {
		t.Fatalf("error message %q does not carry the rejection", run.ErrorMessage)
	}
}

func TestDeactivateWorkflowOwnerOnlyLatch(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	owner := testAddr(0x01)

	w := f.createWorkflow(t,
		Step{Type: StepSwap, NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	if err := f.engine.DeactivateWorkflow(ctx, testAddr(0x09), w.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stranger deactivate err = %v, want not owner", err)
	}
	if err := f.engine.DeactivateWorkflow(ctx, owner, w.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := f.engine.DeactivateWorkflow(ctx, owner, w.ID); !errors.Is(err, ErrWorkflowInactive) {
		t.Fatalf("double deactivate err = %v, want inactive", err)
	}
	if _, err := f.engine.ExecuteWorkflow(ctx, testAddr(0x02), w.ID, 0); !errors.Is(err, ErrWorkflowInactive) {
		t.Fatalf("execute inactive err = %v, want inactive", err)
	}
}

func TestExecuteWorkflowValidatesStartStep(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	w := f.createWorkflow(t,
		Step{Type: StepSwap, NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	if _, err := f.engine.ExecuteWorkflow(ctx, testAddr(0x02), w.ID, 5); !errors.Is(err, ErrBadStartStep) {
		t.Fatalf("err = %v, want bad start step", err)
	}
	if _, err := f.engine.ExecuteWorkflow(ctx, testAddr(0x02), "0xdeadbeef", 0); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want workflow not found", err)
	}
}
