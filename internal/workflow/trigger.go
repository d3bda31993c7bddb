package workflow

import (
	stdErrors "errors"

	xerrors "agentpay/internal/errors"
)

// Status is the lifecycle state of a queued trigger request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TriggerRequest is an asynchronous request to execute a workflow. The
// request id follows the queue; the execution it produces keeps its own
// content-derived id.
type TriggerRequest struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Executor   string     `json:"executor"`
	StartStep  int        `json:"start_step"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"max_retries"`
	Terminal   bool       `json:"terminal,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Result     *Execution `json:"result,omitempty"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

var (
	// ErrRequestNotFound means the trigger request does not exist.
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "trigger request not found")
	// ErrRequestConflict means the request cannot take the operation in its
	// current state.
	ErrRequestConflict = xerrors.New(CodeRequestConflict, "trigger request conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRequestCompleted means the request already ran to success.
	ErrRequestCompleted = xerrors.New(CodeRequestCompleted, "trigger request already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRequestExhausted means the request has no retries left.
	ErrRequestExhausted = xerrors.New(CodeRequestExhausted, "trigger request retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRequestNotFound   xerrors.Code = "TRIGGER_NOT_FOUND"
	CodeRequestConflict   xerrors.Code = "TRIGGER_CONFLICT"
	CodeRequestCompleted  xerrors.Code = "TRIGGER_COMPLETED"
	CodeRequestExhausted  xerrors.Code = "TRIGGER_RETRIES_EXHAUSTED"
	CodeRequestValidation xerrors.Code = "TRIGGER_VALIDATION_FAILED"
	CodeRequestPublish    xerrors.Code = "TRIGGER_PUBLISH_FAILED"
	CodeRequestProcessing xerrors.Code = "TRIGGER_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:   "trigger request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestConflict, xerrors.Attributes{
		Message:   "trigger request conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestCompleted, xerrors.Attributes{
		Message:   "trigger request already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestExhausted, xerrors.Attributes{
		Message:   "trigger request retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRequestValidation, xerrors.Attributes{
		Message:   "trigger request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestPublish, xerrors.Attributes{
		Message:   "failed to publish trigger request",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRequestProcessing, xerrors.Attributes{
		Message:   "workflow execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsRequestError reports whether err carries the given trigger request code.
func IsRequestError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrRequestNotFound) {
		return target == CodeRequestNotFound
	}
	if stdErrors.Is(err, ErrRequestConflict) {
		return target == CodeRequestConflict
	}
	if stdErrors.Is(err, ErrRequestCompleted) {
		return target == CodeRequestCompleted
	}
	if stdErrors.Is(err, ErrRequestExhausted) {
		return target == CodeRequestExhausted
	}
	return false
}

// IsValidStatus checks whether the status is a supported enum value.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRequest(req *TriggerRequest) *TriggerRequest {
	clone := *req
	if req.Result != nil {
		result := *req.Result
		clone.Result = &result
	}
	return &clone
}
