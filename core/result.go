package core

import "time"

// AgentResult is the uniform outcome of one Agent.Execute call.
type AgentResult struct {
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         *AgentError   `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewSuccessResult builds a successful result whose execution time is
// measured from start.
func NewSuccessResult(data any, start time.Time) *AgentResult {
	return &AgentResult{
		Success:       true,
		Data:          data,
		ExecutionTime: time.Since(start),
	}
}

// NewErrorResult builds a failed result whose execution time is measured from
// start.
func NewErrorResult(code, message string, start time.Time, recoverable bool) *AgentResult {
	return &AgentResult{
		Success: false,
		Error: &AgentError{
			Code:        code,
			Message:     message,
			Recoverable: recoverable,
		},
		ExecutionTime: time.Since(start),
	}
}
