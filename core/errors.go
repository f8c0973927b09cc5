package core

import (
	"errors"
	"fmt"
)

// Error codes carried by AgentError and TaskError.
const (
	CodeTaskExecution   = "TASK_EXECUTION_ERROR"
	CodeAgentNotFound   = "AGENT_NOT_FOUND"
	CodeAgentBusy       = "AGENT_BUSY"
	CodeTaskExpired     = "TASK_EXPIRED"
	CodeTaskCancelled   = "TASK_CANCELLED"
	CodeExecution       = "EXECUTION_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeAgentDisabled   = "AGENT_DISABLED"
	CodeInitialization  = "INITIALIZATION_ERROR"
	CodeApprovalDenied  = "APPROVAL_REJECTED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
)

var (
	// ErrTaskInProgress is returned when a sub-agent already holds a task.
	ErrTaskInProgress = errors.New("task already in progress")
	// ErrNilTask is returned when a nil task is dispatched.
	ErrNilTask = errors.New("task must not be nil")
	// ErrApprovalRejected is returned when a gated action was not approved.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrAgentNotFound is returned when an agent id is not registered.
	ErrAgentNotFound = errors.New("agent not found")
)

// AgentError is the structured failure carried by AgentResult. It keeps the
// underlying cause so classifiers can inspect it with errors.Is / errors.As.
type AgentError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	cause       error
}

// NewAgentError builds an AgentError wrapping cause.
func NewAgentError(code string, cause error, recoverable bool) *AgentError {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &AgentError{Code: code, Message: msg, Recoverable: recoverable, cause: cause}
}

// Error implements error.
func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *AgentError) Unwrap() error { return e.cause }

// TransientError marks an error as safe to retry (network hiccups, rate
// limits, temporarily unavailable collaborators).
type TransientError struct {
	Err error
}

// Transient wraps err so that classifiers treat it as recoverable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

// Unwrap returns the wrapped error.
func (e *TransientError) Unwrap() error { return e.Err }

// Recoverable reports true; see ErrorClassifier in package agent.
func (e *TransientError) Recoverable() bool { return true }

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// Recoverable reports false.
func (e *ValidationError) Recoverable() bool { return false }
