package core

import "time"

// Task priority bounds. Lower numbers are more urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority forces p into [MinPriority, MaxPriority]. Zero maps to
// DefaultPriority.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}

// TaskPayload is one discrete unit of work handed to a sub-agent. It must not
// be modified once dispatched.
type TaskPayload struct {
	TaskID       string     `json:"task_id"`
	Type         string     `json:"type"`
	Priority     int        `json:"priority"`
	Data         any        `json:"data,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
}

// Expired reports whether the task carries an expiry that lies before now.
func (t *TaskPayload) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// TaskStatus is the terminal state of an executed task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskError describes why a task did not complete.
type TaskError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// TaskResult is the outcome of exactly one TaskPayload execution. Data is only
// meaningful when Status is TaskCompleted.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	Status        TaskStatus    `json:"status"`
	Data          any           `json:"data,omitempty"`
	Error         *TaskError    `json:"error,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Succeeded is shorthand for Status == TaskCompleted.
func (r *TaskResult) Succeeded() bool { return r != nil && r.Status == TaskCompleted }

// NewFailedTaskResult builds a failed result stamped with the current time.
func NewFailedTaskResult(taskID, code, message string, recoverable bool, elapsed time.Duration) *TaskResult {
	return &TaskResult{
		TaskID: taskID,
		Status: TaskFailed,
		Error: &TaskError{
			Code:        code,
			Message:     message,
			Recoverable: recoverable,
		},
		CompletedAt:   time.Now(),
		ExecutionTime: elapsed,
	}
}

// TaskResultFromAgentResult adapts a plain agent execution outcome into the
// task protocol. It is used when delegating to agents that do not implement
// TaskExecutor.
func TaskResultFromAgentResult(taskID, agentID string, res *AgentResult) *TaskResult {
	if res == nil {
		tr := NewFailedTaskResult(taskID, CodeExecution, "agent returned no result", false, 0)
		tr.AgentID = agentID
		return tr
	}

	tr := &TaskResult{
		TaskID:        taskID,
		AgentID:       agentID,
		CompletedAt:   time.Now(),
		ExecutionTime: res.ExecutionTime,
	}

	if res.Success {
		tr.Status = TaskCompleted
		tr.Data = res.Data
		return tr
	}

	tr.Status = TaskFailed
	tr.Error = &TaskError{Code: CodeExecution, Message: "agent execution failed"}
	if res.Error != nil {
		tr.Error.Code = res.Error.Code
		tr.Error.Message = res.Error.Message
		tr.Error.Recoverable = res.Error.Recoverable
	}

	return tr
}

// ProgressReport is a point-in-time view of a task in flight.
type ProgressReport struct {
	AgentID        string  `json:"agent_id,omitempty"`
	TaskID         string  `json:"task_id,omitempty"`
	Percentage     float64 `json:"percentage"`
	CurrentStep    string  `json:"current_step,omitempty"`
	ProcessedCount int     `json:"processed_count,omitempty"`
	TotalCount     int     `json:"total_count,omitempty"`
	Message        string  `json:"message,omitempty"`
	Data           any     `json:"data,omitempty"`
}
