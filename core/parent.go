package core

import "context"

// ParentRef is the contract a parent hands to every sub-agent it creates. The
// sub-agent reports through it without knowing the parent's concrete type.
//
// Only OnTaskComplete is mandatory. Parents opt into progress, error and
// approval callbacks by additionally implementing ProgressListener,
// ErrorListener and ParentApprover.
type ParentRef interface {
	ID() string
	Name() string
	OnTaskComplete(result *TaskResult) error
}

// ProgressListener receives heartbeat and explicit progress reports.
type ProgressListener interface {
	OnProgress(progress *ProgressReport) error
}

// ErrorListener receives task execution errors before the failed result is built.
type ErrorListener interface {
	OnError(err error, details map[string]any) error
}

// ParentApprover lets a parent decide approvals on behalf of its children.
type ParentApprover interface {
	RequestApprovalFromParent(ctx context.Context, title, description string, payload any) (bool, error)
}
