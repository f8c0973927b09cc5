package core

import (
	"context"
	"errors"
	"time"
)

// Record is one row of the generic record store. The "id" key is the primary
// key.
type Record map[string]any

// ID returns the record's primary key or the empty string.
func (r Record) ID() string {
	if v, ok := r["id"].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Condition filters records by equality on every listed field.
type Condition map[string]any

// ErrRecordNotFound is returned by Table lookups that match nothing.
var ErrRecordNotFound = errors.New("record not found")

// Table is the persistence collaborator for a single table.
type Table interface {
	FindByID(ctx context.Context, id string) (Record, error)
	FindMany(ctx context.Context, cond Condition) ([]Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, id string, fields Record) (Record, error)
	Upsert(ctx context.Context, rec Record) (Record, error)
	Delete(ctx context.Context, id string) error
}

// Database hands out tables by name.
type Database interface {
	Table(name string) Table
	Close() error
}

// Priority ranks a notification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Notification is a message dispatched through the Notifier collaborator.
type Notification struct {
	AgentID  string    `json:"agent_id"`
	Priority Priority  `json:"priority"`
	Channel  string    `json:"channel"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Link     string    `json:"link,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Notifier delivers notifications (email, chat, console...).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// ApprovalRequest describes an action that needs sign-off.
type ApprovalRequest struct {
	AgentID     string        `json:"agent_id"`
	Level       ApprovalLevel `json:"level"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Payload     any           `json:"payload,omitempty"`
}

// ApprovalDecision is the answer to an ApprovalRequest.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Approver string `json:"approver,omitempty"`
}

// Approver decides approval requests. Implementations may block until a human
// answers; they must honour ctx cancellation.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApproverFunc adapts a function into an Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// RequestApproval implements Approver.
func (f ApproverFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// Observer receives execution telemetry. See package metrics for the
// Prometheus implementation.
type Observer interface {
	ExecutionStarted(agentID string)
	ExecutionFinished(agentID string, success bool, d time.Duration)
	ExecutionRetried(agentID string, attempt int)
	TaskFinished(agentID, taskType string, status TaskStatus, d time.Duration)
	ProgressReported(agentID string)
}

// NoOpObserver discards all telemetry.
type NoOpObserver struct{}

func (NoOpObserver) ExecutionStarted(string)                                {}
func (NoOpObserver) ExecutionFinished(string, bool, time.Duration)          {}
func (NoOpObserver) ExecutionRetried(string, int)                           {}
func (NoOpObserver) TaskFinished(string, string, TaskStatus, time.Duration) {}
func (NoOpObserver) ProgressReported(string)                                {}
