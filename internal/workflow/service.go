package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "agentpay/internal/errors"
	"agentpay/pkg/logger"
)

// TriggerSubmission is the caller-facing shape of an asynchronous workflow
// trigger. A non-empty ID makes the submission idempotent.
type TriggerSubmission struct {
	ID         string
	WorkflowID string
	Executor   string
	StartStep  int
}

// Service creates and queries trigger requests.
type Service struct {
	store      RequestStore
	producer   Producer
	maxRetries int
}

// NewService wires the trigger service.
func NewService(store RequestStore, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit records a new trigger request and publishes its id to the queue.
// Resubmitting an id that already exists returns the existing request.
func (s *Service) Submit(ctx context.Context, sub TriggerSubmission) (*TriggerRequest, error) {
	if strings.TrimSpace(sub.WorkflowID) == "" {
		return nil, xerrors.New(CodeRequestValidation, "workflow id must not be empty")
	}
	if strings.TrimSpace(sub.Executor) == "" {
		return nil, xerrors.New(CodeRequestValidation, "executor must not be empty")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "trigger service not initialized")
	}

	requestID := strings.TrimSpace(sub.ID)
	if requestID != "" {
		req, err := s.store.Get(ctx, requestID)
		if err == nil {
			return req, nil
		}
		if !stdErrors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
	} else {
		requestID = uuid.NewString()
	}

	req := &TriggerRequest{
		ID:         requestID,
		WorkflowID: sub.WorkflowID,
		Executor:   sub.Executor,
		StartStep:  sub.StartStep,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, req); err != nil {
		if stdErrors.Is(err, ErrRequestConflict) {
			existing, getErr := s.store.Get(ctx, requestID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRequestNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, requestID); err != nil {
		logger.L().Error("trigger publish failed", slog.Any("error", err), slog.String("request_id", requestID))
		wrapped := xerrors.Wrap(CodeRequestPublish, err, "failed to publish trigger request")
		_ = s.store.MarkFailed(ctx, requestID, string(CodeRequestPublish), wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("trigger request enqueued",
		slog.String("request_id", requestID),
		slog.String("workflow_id", req.WorkflowID),
		slog.String("executor", req.Executor),
		slog.Int("start_step", req.StartStep),
		slog.Int("max_retries", req.MaxRetries),
	)
	return req, nil
}

// Get returns the request state.
func (s *Service) Get(ctx context.Context, id string) (*TriggerRequest, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "trigger store not initialized")
	}
	return s.store.Get(ctx, id)
}

// List returns requests matching the filters.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*TriggerRequest, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "trigger store not initialized")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats returns aggregate counts for requests matching the filters.
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RequestStats, error) {
	if s.store == nil {
		return RequestStats{}, xerrors.New(xerrors.CodeInitializationFailure, "trigger store not initialized")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close releases the store and producer.
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted polls the request until it reaches a terminal status or
// the context ends.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*TriggerRequest, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status == StatusSucceeded || req.Status == StatusFailed {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
