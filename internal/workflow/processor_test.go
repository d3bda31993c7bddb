package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
	"agentpay/internal/observability/alerting"
)

// fakeRunner stands in for the engine. failuresLeft > 0 fails that many
// attempts before succeeding; -1 fails every attempt.
type fakeRunner struct {
	mu           sync.Mutex
	calls        int
	failuresLeft int
	failErr      error
	failRun      bool
}

func (r *fakeRunner) ExecuteWorkflow(_ context.Context, executor common.Address, workflowID string, startStep int) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failErr != nil && (r.failuresLeft == -1 || r.failuresLeft > 0) {
		if r.failuresLeft > 0 {
			r.failuresLeft--
		}
		return nil, r.failErr
	}
	return &Execution{
		WorkflowID:  workflowID,
		ExecutionID: fmt.Sprintf("exec-%d", r.calls),
		Executor:    executor,
		StartStep:   startStep,
		CurrentStep: startStep,
		Completed:   true,
		Success:     !r.failRun,
	}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *captureDispatcher) stages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	stages := make([]string, len(d.events))
	for i, event := range d.events {
		stages[i] = event.Metadata["stage"]
	}
	return stages
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestProcessorHandlesConcurrentTriggers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	queue := NewMemoryQueue(64)
	runner := &fakeRunner{}
	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(4))
	startProcessor(t, processor)

	const total = 20
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		req, err := service.Submit(ctx, TriggerSubmission{
			WorkflowID: fmt.Sprintf("wf-%d", i%3),
			Executor:   "0x0000000000000000000000000000000000000002",
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, req.ID)
	}

	for _, id := range ids {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		req, err := service.WaitUntilCompleted(waitCtx, id, 10*time.Millisecond)
		cancel()
		if err != nil {
			t.Fatalf("wait for %s: %v", id, err)
		}
		if req.Status != StatusSucceeded {
			t.Fatalf("request %s status = %s (%s)", id, req.Status, req.LastError)
		}
		if req.Result == nil || req.Result.ExecutionID == "" {
			t.Fatalf("request %s has no recorded execution", id)
		}
	}

	if calls := runner.callCount(); calls != total {
		t.Fatalf("runner calls = %d, want %d", calls, total)
	}
	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != total || stats.Succeeded != total {
		t.Fatalf("stats = %+v, want %d succeeded", stats, total)
	}
}

func TestProcessorCompletesParallelTriggersForOneWorkflow(t *testing.T) {
	ctx := context.Background()
	external := &slowExternal{delay: 200 * time.Millisecond}
	f := newEngineFixture(t, WithExternalCaller(external))
	w := f.createWorkflow(t,
		Step{Type: StepCustom, Target: testAddr(0x0D), NextOnSuccess: NoFailureHandler, NextOnFailure: NoFailureHandler},
	)

	store := NewMemoryRequestStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	processor := NewProcessor(f.engine, store, queue, queue, WithWorkerCount(4))
	startProcessor(t, processor)

	// Several workers claim triggers for the same workflow at once; the slow
	// step keeps the first execution in flight while the others arrive. Each
	// trigger must complete on its first attempt, in queue order, not burn
	// its retry budget on the collision.
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		req, err := service.Submit(ctx, TriggerSubmission{
			WorkflowID: w.ID,
			Executor:   fmt.Sprintf("0x00000000000000000000000000000000000000%02x", 0x10+i),
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, req.ID)
	}

	for _, id := range ids {
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		final, err := service.WaitUntilCompleted(waitCtx, id, 10*time.Millisecond)
		cancel()
		if err != nil {
			t.Fatalf("wait for %s: %v", id, err)
		}
		if final.Status != StatusSucceeded {
			t.Fatalf("request %s status = %s (%s: %s)", id, final.Status, final.ErrorCode, final.LastError)
		}
		if final.Attempts != 1 {
			t.Fatalf("request %s attempts = %d, want 1", id, final.Attempts)
		}
	}

	updated, err := f.engine.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if updated.TotalExecutions != 3 || updated.SuccessfulExecutions != 3 {
		t.Fatalf("aggregates = %d/%d, want 3/3", updated.TotalExecutions, updated.SuccessfulExecutions)
	}
}

func TestProcessorRecordsUnsuccessfulRunAsCompleted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{failRun: true}
	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue)
	startProcessor(t, processor)

	req, err := service.Submit(ctx, TriggerSubmission{WorkflowID: "wf", Executor: "0x02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := service.WaitUntilCompleted(waitCtx, req.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	// A run that finished with success=false is still a completed trigger;
	// the outcome lives on the recorded execution, not the request status.
	if final.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", final.Status)
	}
	if final.Result == nil || final.Result.Success {
		t.Fatalf("result = %+v, want recorded unsuccessful run", final.Result)
	}
	if calls := runner.callCount(); calls != 1 {
		t.Fatalf("runner calls = %d, want 1 (no retry)", calls)
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{
		failuresLeft: 1,
		failErr:      xerrors.New(CodeFeeUnpaid, "execution fee transfer failed"),
	}
	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue)
	startProcessor(t, processor)

	req, err := service.Submit(ctx, TriggerSubmission{WorkflowID: "wf", Executor: "0x02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool {
		current, err := store.Get(ctx, req.ID)
		return err == nil && current.Status == StatusSucceeded
	}, "request to succeed after a retry")

	final, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", final.Attempts)
	}
	if calls := runner.callCount(); calls != 2 {
		t.Fatalf("runner calls = %d, want 2", calls)
	}
}

func TestProcessorDoesNotRetryNonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{failuresLeft: -1, failErr: ErrWorkflowNotFound}
	alerts := &captureDispatcher{}
	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts))
	startProcessor(t, processor)

	req, err := service.Submit(ctx, TriggerSubmission{WorkflowID: "missing", Executor: "0x02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool {
		current, err := store.Get(ctx, req.ID)
		return err == nil && current.Status == StatusFailed
	}, "request to fail")

	// Allow any stray requeue to surface before asserting the call count.
	time.Sleep(50 * time.Millisecond)

	final, _ := store.Get(ctx, req.ID)
	if final.ErrorCode != string(CodeWorkflowNotFound) {
		t.Fatalf("error code = %s, want %s", final.ErrorCode, CodeWorkflowNotFound)
	}
	if calls := runner.callCount(); calls != 1 {
		t.Fatalf("runner calls = %d, want 1", calls)
	}
	waitFor(t, func() bool { return len(alerts.stages()) == 1 }, "one alert")
	if stages := alerts.stages(); stages[0] != "terminal" {
		t.Fatalf("alert stage = %s, want terminal", stages[0])
	}
}

func TestProcessorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{
		failuresLeft: -1,
		failErr:      xerrors.New(CodeFeeUnpaid, "execution fee transfer failed"),
	}
	alerts := &captureDispatcher{}
	service := NewService(store, queue, 2)
	processor := NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts))
	startProcessor(t, processor)

	req, err := service.Submit(ctx, TriggerSubmission{WorkflowID: "wf", Executor: "0x02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool { return runner.callCount() == 2 }, "two attempts")
	waitFor(t, func() bool {
		current, err := store.Get(ctx, req.ID)
		return err == nil && current.Status == StatusFailed && current.Attempts == 2
	}, "terminal failure after the retry budget")

	time.Sleep(50 * time.Millisecond)
	if calls := runner.callCount(); calls != 2 {
		t.Fatalf("runner calls = %d, want 2", calls)
	}
	waitFor(t, func() bool { return len(alerts.stages()) == 2 }, "two alerts")
	stages := alerts.stages()
	if stages[0] != "retry" || stages[1] != "terminal" {
		t.Fatalf("alert stages = %v, want [retry terminal]", stages)
	}
}

func TestServiceSubmitValidatesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)

	if _, err := service.Submit(ctx, TriggerSubmission{Executor: "0x02"}); !errors.Is(err, xerrors.New(CodeRequestValidation, "")) {
		t.Fatalf("missing workflow id err = %v, want validation failure", err)
	}
	if _, err := service.Submit(ctx, TriggerSubmission{WorkflowID: "wf"}); !errors.Is(err, xerrors.New(CodeRequestValidation, "")) {
		t.Fatalf("missing executor err = %v, want validation failure", err)
	}

	first, err := service.Submit(ctx, TriggerSubmission{ID: "req-1", WorkflowID: "wf", Executor: "0x02"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, TriggerSubmission{ID: "req-1", WorkflowID: "other", Executor: "0x03"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || second.WorkflowID != "wf" {
		t.Fatalf("resubmit returned %+v, want the original request", second)
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("stats total = %d, want 1", stats.Total)
	}
}

func TestServiceSubmitMarksPublishFailureTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	service := NewService(store, failingProducer{}, 3)

	_, err := service.Submit(ctx, TriggerSubmission{ID: "req-1", WorkflowID: "wf", Executor: "0x02"})
	if !errors.Is(err, xerrors.New(CodeRequestPublish, "")) {
		t.Fatalf("err = %v, want publish failure", err)
	}

	req, getErr := store.Get(ctx, "req-1")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if req.Status != StatusFailed || req.ErrorCode != string(CodeRequestPublish) {
		t.Fatalf("request = %+v, want failed with publish error code", req)
	}
}
