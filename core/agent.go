package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle phase of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// ApprovalLevel is a configured threshold gating whether an action requires
// explicit sign-off before proceeding.
type ApprovalLevel int

const (
	ApprovalNone ApprovalLevel = iota
	ApprovalLow
	ApprovalMedium
	ApprovalHigh
	ApprovalCritical
)

// String returns the lower-case name of the level.
func (l ApprovalLevel) String() string {
	switch l {
	case ApprovalNone:
		return "none"
	case ApprovalLow:
		return "low"
	case ApprovalMedium:
		return "medium"
	case ApprovalHigh:
		return "high"
	case ApprovalCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseApprovalLevel converts a configuration string into an ApprovalLevel.
// The empty string maps to ApprovalNone.
func ParseApprovalLevel(s string) (ApprovalLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ApprovalNone, nil
	case "low":
		return ApprovalLow, nil
	case "medium":
		return ApprovalMedium, nil
	case "high":
		return ApprovalHigh, nil
	case "critical":
		return ApprovalCritical, nil
	default:
		return ApprovalNone, fmt.Errorf("unknown approval level %q", s)
	}
}

// AgentConfig is the static identity and policy of an agent. Agents keep a
// private copy; it is never mutated after construction.
type AgentConfig struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	ApprovalLevel ApprovalLevel `json:"approval_level" yaml:"approval_level"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
}

// Validate reports configuration mistakes that would make the agent unusable.
func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	if c.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Message: "must be >= 0"}
	}
	if c.RetryDelay < 0 {
		return &ValidationError{Field: "retry_delay", Message: "must be >= 0"}
	}
	if c.Timeout < 0 {
		return &ValidationError{Field: "timeout", Message: "must be >= 0"}
	}
	return nil
}

// Agent is the surface every live agent exposes to coordinators, the registry
// and the engine. Implementations must be safe for concurrent use.
type Agent interface {
	ID() string
	Name() string
	Status() Status
	// Execute runs the agent's domain logic once under its retry and timeout
	// policy. It never returns a nil result; failures are reported through
	// AgentResult.Success and AgentResult.Error.
	Execute(ctx context.Context, input any, callerID string) *AgentResult
	// Shutdown releases resources held by the agent. It is idempotent.
	Shutdown(ctx context.Context) error
}

// TaskExecutor is implemented by agents that speak the sub-agent task protocol.
// The returned error is reserved for rejection (for example ErrTaskInProgress);
// domain failures are reported inside the TaskResult.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, task *TaskPayload) (*TaskResult, error)
}

// Handler is the domain logic a concrete agent plugs into the lifecycle shell.
type Handler interface {
	// Initialize prepares the handler. It runs before the first Run.
	Initialize(ctx context.Context) error
	// Run performs one unit of work. Returning an error triggers the retry
	// policy when the error is recoverable.
	Run(rc *RunContext) (*AgentResult, error)
	// Cleanup releases resources. It must tolerate a failed Initialize.
	Cleanup(ctx context.Context) error
}

// ProgressProvider is optionally implemented by a Handler to override the
// default status based progress reported by the heartbeat. Returning nil skips
// the tick.
type ProgressProvider interface {
	CurrentProgress() *ProgressReport
}

// AgentLookup is the read side of the agent registry used for delegation.
type AgentLookup interface {
	GetAgent(id string) (Agent, bool)
}

// HandlerFunc adapts a plain function into a Handler with no-op
// Initialize and Cleanup.
type HandlerFunc func(rc *RunContext) (*AgentResult, error)

// Initialize implements Handler.
func (HandlerFunc) Initialize(context.Context) error { return nil }

// Run implements Handler.
func (f HandlerFunc) Run(rc *RunContext) (*AgentResult, error) { return f(rc) }

// Cleanup implements Handler.
func (HandlerFunc) Cleanup(context.Context) error { return nil }
