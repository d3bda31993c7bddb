package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
	"agentpay/internal/observability/alerting"
	"agentpay/internal/observability/metrics"
	"agentpay/pkg/logger"
)

// Runner is the engine capability the processor needs.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, executor common.Address, workflowID string, startStep int) (*Execution, error)
}

// Processor consumes trigger requests from the queue and runs them through
// the engine. A run that completes with success=false is still a successful
// trigger: the outcome is recorded on the request, not retried.
type Processor struct {
	runner      Runner
	store       RequestStore
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption configures the processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets a debug logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount sets the number of consumer goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher wires alert delivery.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor wires the trigger pipeline consumer side.
func NewProcessor(runner Runner, store RequestStore, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start runs the consume loop until the context ends.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "trigger consumer not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, requestID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialized")
	}
	req, err := p.store.Claim(ctx, requestID)
	if err != nil {
		if stdErrors.Is(err, ErrRequestNotFound) || stdErrors.Is(err, ErrRequestCompleted) || stdErrors.Is(err, ErrRequestExhausted) {
			p.logDebug("skipping trigger request", slog.String("request_id", requestID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("trigger claim failed", slog.Any("error", err), slog.String("request_id", requestID))
		p.emitAlert(ctx, &TriggerRequest{ID: requestID}, CodeRequestProcessing, err, "claim")
		return err
	}

	run, execErr := p.runner.ExecuteWorkflow(ctx, common.HexToAddress(req.Executor), req.WorkflowID, req.StartStep)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, req, execErr)
	}

	var record Execution
	if run != nil {
		record = *run
	}
	if err := p.store.MarkSucceeded(ctx, req.ID, record); err != nil {
		logger.L().Error("trigger success bookkeeping failed", slog.Any("error", err), slog.String("request_id", req.ID))
		if storeErr := p.store.MarkFailed(ctx, req.ID, string(CodeRequestProcessing), err.Error(), false); storeErr != nil {
			logger.L().Error("trigger failure bookkeeping failed", slog.Any("error", storeErr), slog.String("request_id", req.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, req.ID); pubErr != nil {
			return xerrors.Wrap(CodeRequestPublish, pubErr, fmt.Sprintf("republish of request %s failed", req.ID))
		}
		return nil
	}
	logger.Audit().Info("trigger request executed",
		slog.String("request_id", req.ID),
		slog.String("workflow_id", req.WorkflowID),
		slog.String("execution_id", record.ExecutionID),
		slog.Bool("run_success", record.Success),
	)
	metrics.ObserveTrigger("succeeded")
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, req *TriggerRequest, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRequestProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := req.Attempts >= req.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, req.ID, string(code), execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("trigger failure bookkeeping failed", slog.Any("error", storeErr), slog.String("request_id", req.ID))
		return storeErr
	}
	logger.Audit().Warn("trigger request failed",
		slog.String("request_id", req.ID),
		slog.String("workflow_id", req.WorkflowID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", req.Attempts),
		slog.Int("max_retries", req.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	metrics.ObserveTrigger(stage)
	p.emitAlert(ctx, req, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, req.ID); pubErr != nil {
			return xerrors.Wrap(CodeRequestPublish, pubErr, fmt.Sprintf("republish of request %s failed", req.ID))
		}
		p.logDebug("trigger request requeued", slog.String("request_id", req.ID), slog.Int("attempts", req.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, req *TriggerRequest, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || req == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if req.WorkflowID != "" {
		metadata["workflow_id"] = req.WorkflowID
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		SubjectID:  req.ID,
		Attempts:   req.Attempts,
		MaxRetries: req.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert delivery failed",
			slog.Any("error", err),
			slog.String("request_id", req.ID),
			slog.String("stage", stage),
		)
	}
}
