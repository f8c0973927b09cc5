package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/logging"
)

// CallbackType defines the lifecycle points at which callbacks can be
// triggered during an invocation.
type CallbackType string

const (
	// CallbackBeforeInvoke runs before the agent executes. Returning an
	// error vetoes the invocation.
	CallbackBeforeInvoke CallbackType = "before_invoke"

	// CallbackAfterInvoke runs after the agent produced a result, whether it
	// succeeded or not.
	CallbackAfterInvoke CallbackType = "after_invoke"

	// CallbackOnError runs when the result reports a failure.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries the invocation state handed to callbacks. Result is
// nil for before_invoke.
type CallbackContext struct {
	InvocationID string
	AgentID      string
	CallbackType CallbackType
	Input        any
	Result       *core.AgentResult
	Metadata     map[string]any
}

// Callback is a hook executed at a specific lifecycle point.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cbCtx *CallbackContext) error
}

// FunctionCallback wraps a plain function as a Callback.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cbCtx *CallbackContext) error
}

// NewFunctionCallback creates a callback of the given type from fn.
func NewFunctionCallback(callbackType CallbackType, fn func(ctx context.Context, cbCtx *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, cbCtx *CallbackContext) error {
	return c.fn(ctx, cbCtx)
}

// CallbackManager keeps callbacks per type and runs them in registration
// order. The first error stops the chain.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// RegisterCallback appends callback to its type's chain.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks[callback.Type()] = append(cm.callbacks[callback.Type()], callback)
}

// ExecuteCallbacks runs the chain registered for callbackType.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, callbackType CallbackType, cbCtx *CallbackContext) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	cbCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, cbCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes one log line per invocation event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a callback that logs to logger.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{callbackType: callbackType, logger: logging.OrNop(logger)}
}

// Type implements Callback.
func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

// Execute implements Callback.
func (c *LoggingCallback) Execute(_ context.Context, cbCtx *CallbackContext) error {
	args := []any{"callback", string(c.callbackType), "invocation_id", cbCtx.InvocationID, "agent_id", cbCtx.AgentID}
	if r := cbCtx.Result; r != nil {
		args = append(args, "success", r.Success, "duration", r.ExecutionTime)
		if r.Error != nil {
			args = append(args, "error_code", r.Error.Code)
		}
	}
	c.logger.Info("invocation event", args...)
	return nil
}
