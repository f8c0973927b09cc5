package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/opsmesh/logging"
)

type taskKey struct{}

// WithTask returns a context carrying the task being executed.
func WithTask(ctx context.Context, task *TaskPayload) context.Context {
	return context.WithValue(ctx, taskKey{}, task)
}

// TaskFromContext returns the task stored by WithTask, if any.
func TaskFromContext(ctx context.Context) (*TaskPayload, bool) {
	t, ok := ctx.Value(taskKey{}).(*TaskPayload)
	return t, ok && t != nil
}

// RunContext carries execution state & helpers for one Handler.Run call.
// It aggregates:
//   - The ambient cancellation Context (already bounded by the agent timeout)
//   - Identifiers (agent, caller, attempt number)
//   - The input and, for sub-agents, the task being executed
//   - The record store collaborator
//   - Hooks for progress reporting and cooperative pausing
type RunContext struct {
	Context   context.Context
	AgentID   string
	AgentName string
	CallerID  string
	Input     any
	Attempt   int
	Database  Database

	progress func(*ProgressReport)
	gate     func(context.Context) error

	*runLogger
}

// RunHooks wires agent-side behaviour into a RunContext.
type RunHooks struct {
	// Progress forwards an explicit progress report to the owner.
	Progress func(*ProgressReport)
	// Gate blocks while the agent is paused.
	Gate func(context.Context) error
}

// NewRunContext constructs a RunContext.
func NewRunContext(
	ctx context.Context,
	agentID, agentName, callerID string,
	input any,
	attempt int,
	db Database,
	hooks RunHooks,
	logger logging.Logger,
) *RunContext {
	taskID := ""
	if t, ok := TaskFromContext(ctx); ok {
		taskID = t.TaskID
	}

	return &RunContext{
		Context:   ctx,
		AgentID:   agentID,
		AgentName: agentName,
		CallerID:  callerID,
		Input:     input,
		Attempt:   attempt,
		Database:  db,
		progress:  hooks.Progress,
		gate:      hooks.Gate,
		runLogger: newRunLogger(logger, taskID, attempt),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// Task returns the task being executed when the run was started through the
// sub-agent task protocol.
func (rc *RunContext) Task() (*TaskPayload, bool) { return TaskFromContext(rc.Context) }

// Table returns the named table of the configured record store.
func (rc *RunContext) Table(name string) (Table, error) {
	if rc.Database == nil {
		return nil, fmt.Errorf("database not configured")
	}
	return rc.Database.Table(name), nil
}

// ReportProgress forwards an explicit progress report to the owning parent.
// It is a no-op for agents without a progress listener.
func (rc *RunContext) ReportProgress(p *ProgressReport) {
	if rc.progress == nil || p == nil {
		return
	}
	if p.AgentID == "" {
		p.AgentID = rc.AgentID
	}
	if p.TaskID == "" {
		if t, ok := rc.Task(); ok {
			p.TaskID = t.TaskID
		}
	}
	rc.progress(p)
}

// Checkpoint blocks while the agent is paused and returns the context error
// once the run has been cancelled. Long running handlers should call it
// between steps.
func (rc *RunContext) Checkpoint() error {
	if err := rc.Context.Err(); err != nil {
		return err
	}
	if rc.gate == nil {
		return nil
	}
	return rc.gate(rc.Context)
}
