package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/logging"
	"github.com/hupe1980/opsmesh/registry"
)

// CallerID identifies the engine as caller in Agent.Execute.
const CallerID = "engine"

var (
	// ErrClosed is returned by Invoke after Shutdown.
	ErrClosed = errors.New("engine is shut down")
	// ErrVetoed wraps the error of a before_invoke callback.
	ErrVetoed = errors.New("invocation vetoed")
	// ErrInvocationNotFound is returned by StopInvocation for unknown ids.
	ErrInvocationNotFound = errors.New("invocation not found")
)

// Config defines tuning parameters for the Engine.
type Config struct {
	// MaxConcurrentInvocations limits how many invocations execute at the
	// same time. Callers beyond the limit wait for a free slot or for their
	// context. Zero means unlimited.
	MaxConcurrentInvocations int
}

// DefaultConfig keeps a conservative bound on concurrent invocations.
var DefaultConfig = Config{
	MaxConcurrentInvocations: 10,
}

// Options configures an Engine.
type Options struct {
	Config Config

	// Registry holds the agents. A fresh registry is created when nil.
	Registry *registry.Registry

	Callbacks []Callback

	Logger logging.Logger
}

// WithConfig replaces the whole engine configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithMaxConcurrent sets MaxConcurrentInvocations.
func WithMaxConcurrent(n int) func(o *Options) {
	return func(o *Options) { o.Config.MaxConcurrentInvocations = n }
}

// WithRegistry shares an existing registry with the engine.
func WithRegistry(r *registry.Registry) func(o *Options) {
	return func(o *Options) { o.Registry = r }
}

// WithCallback registers an invocation callback.
func WithCallback(cb Callback) func(o *Options) {
	return func(o *Options) { o.Callbacks = append(o.Callbacks, cb) }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Engine dispatches invocations to registered agents.
//
// Concurrency model:
//   - the registry is safe for concurrent registration and lookup
//   - a counting semaphore bounds concurrent invocations
//   - every invocation gets its own cancellable context, tracked by id so
//     StopInvocation can cancel it
//
// The engine does not serialise calls to a single agent; sub-agents enforce
// their one-task-at-a-time rule themselves.
type Engine struct {
	registry  *registry.Registry
	callbacks *CallbackManager
	logger    logging.Logger
	config    Config

	sem *semaphore.Weighted

	activeInvocations map[string]context.CancelFunc
	invocationsMu     sync.Mutex
	closed            bool
}

// New creates an Engine. Without options it owns an empty registry, logs
// nothing and allows DefaultConfig.MaxConcurrentInvocations invocations at
// once.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Registry == nil {
		opts.Registry = registry.New()
	}

	e := &Engine{
		registry:          opts.Registry,
		callbacks:         NewCallbackManager(),
		logger:            logging.With(opts.Logger, "component", "engine"),
		config:            opts.Config,
		activeInvocations: make(map[string]context.CancelFunc),
	}

	if n := opts.Config.MaxConcurrentInvocations; n > 0 {
		e.sem = semaphore.NewWeighted(int64(n))
	}

	for _, cb := range opts.Callbacks {
		e.callbacks.RegisterCallback(cb)
	}

	return e
}

// Registry returns the engine's agent registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Callbacks returns the callback manager so hooks can be added after
// construction.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Register adds an agent to the registry. Duplicate ids are rejected.
func (e *Engine) Register(a core.Agent, optFns ...func(o *registry.RegisterOptions)) error {
	if err := e.registry.Register(a, optFns...); err != nil {
		return err
	}
	e.logger.Debug("agent registered", "agent_id", a.ID())
	return nil
}

// GetAgent retrieves a registered agent by id.
func (e *Engine) GetAgent(id string) (core.Agent, bool) {
	return e.registry.GetAgent(id)
}

// Invoke executes the agent once with input and returns the invocation id
// together with its result. The error is reserved for invocations that never
// reached the agent: unknown agent, closed engine, vetoed by a callback or a
// context that ended while waiting for a slot. Agent failures are reported in
// the result.
func (e *Engine) Invoke(ctx context.Context, agentID string, input any) (string, *core.AgentResult, error) {
	agent, ok := e.GetAgent(agentID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, agentID)
	}

	invocationID, invocationCtx, done, err := e.begin(ctx)
	if err != nil {
		return "", nil, err
	}
	defer done()

	logger := logging.With(e.logger, "invocation_id", invocationID, "agent_id", agentID)
	cbCtx := &CallbackContext{InvocationID: invocationID, AgentID: agentID, Input: input}

	if err := e.callbacks.ExecuteCallbacks(invocationCtx, CallbackBeforeInvoke, cbCtx); err != nil {
		logger.Warn("invocation vetoed", "error", err)
		return invocationID, nil, fmt.Errorf("%w: %w", ErrVetoed, err)
	}

	logger.Debug("invocation started")
	result := agent.Execute(invocationCtx, input, CallerID)
	cbCtx.Result = result

	e.afterInvoke(invocationCtx, cbCtx, logger)

	return invocationID, result, nil
}

// InvokeTask dispatches a task to the agent. Agents speaking the task protocol
// receive it through ExecuteTask; others execute the task data and have their
// result converted.
func (e *Engine) InvokeTask(ctx context.Context, agentID string, task *core.TaskPayload) (*core.TaskResult, error) {
	if task == nil {
		return nil, core.ErrNilTask
	}

	agent, ok := e.GetAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, agentID)
	}

	executor, ok := agent.(core.TaskExecutor)
	if !ok {
		_, res, err := e.Invoke(ctx, agentID, task.Data)
		if err != nil {
			return nil, err
		}
		return core.TaskResultFromAgentResult(task.TaskID, agentID, res), nil
	}

	invocationID, invocationCtx, done, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	logger := logging.With(e.logger, "invocation_id", invocationID, "agent_id", agentID, "task_id", task.TaskID)
	cbCtx := &CallbackContext{InvocationID: invocationID, AgentID: agentID, Input: task}

	if err := e.callbacks.ExecuteCallbacks(invocationCtx, CallbackBeforeInvoke, cbCtx); err != nil {
		logger.Warn("invocation vetoed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrVetoed, err)
	}

	res, err := executor.ExecuteTask(invocationCtx, task)
	if err != nil {
		return nil, err
	}

	cbCtx.Result = agentResultFromTask(res)
	e.afterInvoke(invocationCtx, cbCtx, logger)

	return res, nil
}

// StopInvocation cancels a running invocation.
func (e *Engine) StopInvocation(invocationID string) error {
	e.invocationsMu.Lock()
	cancel, exists := e.activeInvocations[invocationID]
	e.invocationsMu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrInvocationNotFound, invocationID)
	}

	cancel()
	return nil
}

// ActiveInvocations lists the ids of running invocations in sorted order.
func (e *Engine) ActiveInvocations() []string {
	e.invocationsMu.Lock()
	defer e.invocationsMu.Unlock()

	ids := make([]string, 0, len(e.activeInvocations))
	for id := range e.activeInvocations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown rejects new invocations, cancels running ones and shuts down every
// registered agent. Agent errors are joined.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.invocationsMu.Lock()
	e.closed = true
	for _, cancel := range e.activeInvocations {
		cancel()
	}
	e.invocationsMu.Unlock()

	var errs []error
	for _, entry := range e.registry.Entries() {
		agent, ok := e.registry.GetAgent(entry.AgentID)
		if !ok {
			continue
		}
		if err := agent.Shutdown(ctx); err != nil {
			e.logger.Error("agent shutdown failed", "agent_id", entry.AgentID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.AgentID, err))
		}
	}

	e.logger.Info("engine shut down", "agents", e.registry.Len())
	return errors.Join(errs...)
}

// begin waits for a slot and tracks a new invocation. done releases both.
func (e *Engine) begin(ctx context.Context) (string, context.Context, func(), error) {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return "", nil, nil, err
		}
	}

	release := func() {
		if e.sem != nil {
			e.sem.Release(1)
		}
	}

	invocationID := uuid.NewString()
	invocationCtx, cancel := context.WithCancel(ctx)

	e.invocationsMu.Lock()
	if e.closed {
		e.invocationsMu.Unlock()
		cancel()
		release()
		return "", nil, nil, ErrClosed
	}
	e.activeInvocations[invocationID] = cancel
	e.invocationsMu.Unlock()

	done := func() {
		e.invocationsMu.Lock()
		delete(e.activeInvocations, invocationID)
		e.invocationsMu.Unlock()
		cancel()
		release()
	}

	return invocationID, invocationCtx, done, nil
}

func (e *Engine) afterInvoke(ctx context.Context, cbCtx *CallbackContext, logger logging.Logger) {
	if r := cbCtx.Result; r != nil && !r.Success {
		if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, cbCtx); err != nil {
			logger.Warn("on_error callback failed", "error", err)
		}
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterInvoke, cbCtx); err != nil {
		logger.Warn("after_invoke callback failed", "error", err)
	}

	if r := cbCtx.Result; r != nil {
		logger.Debug("invocation finished", "success", r.Success, "duration", r.ExecutionTime)
	}
}

func agentResultFromTask(res *core.TaskResult) *core.AgentResult {
	if res == nil {
		return nil
	}
	out := &core.AgentResult{
		Success:       res.Status == core.TaskCompleted,
		Data:          res.Data,
		ExecutionTime: res.ExecutionTime,
	}
	if res.Error != nil {
		out.Error = &core.AgentError{Code: res.Error.Code, Message: res.Error.Message, Recoverable: res.Error.Recoverable}
	}
	return out
}
