package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/internal/async"
	"github.com/hupe1980/opsmesh/logging"
)

var (
	// ErrInvalidTransition is returned by Pause and Resume when the agent is
	// not in the required state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrShutdown is reported when an agent is used after Shutdown.
	ErrShutdown = errors.New("agent is shut down")
)

// BaseAgent is the lifecycle shell around a core.Handler. It owns the status
// machine, the retry and timeout policy, approval gating and notification
// dispatch. All exported methods are goroutine-safe.
type BaseAgent struct {
	cfg     core.AgentConfig
	handler core.Handler
	opts    Options
	logger  logging.Logger

	mu       sync.Mutex
	status   core.Status
	resumeCh chan struct{} // non-nil while paused
	closed   bool

	initMu      sync.Mutex
	initialized bool

	cleanupOnce sync.Once
	cleanupErr  error
	notifyWG    sync.WaitGroup
}

// NewBaseAgent validates cfg and wraps h in a BaseAgent.
func NewBaseAgent(cfg core.AgentConfig, h core.Handler, optFns ...func(o *Options)) (*BaseAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, &core.ValidationError{Field: "handler", Message: "must not be nil"}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	opts := buildOptions(optFns)

	return &BaseAgent{
		cfg:     cfg,
		handler: h,
		opts:    opts,
		logger:  logging.With(opts.Logger, "agent_id", cfg.ID),
		status:  core.StatusIdle,
	}, nil
}

// ID returns the agent id.
func (b *BaseAgent) ID() string { return b.cfg.ID }

// Name returns the human-readable name.
func (b *BaseAgent) Name() string { return b.cfg.Name }

// Config returns a copy of the agent configuration.
func (b *BaseAgent) Config() core.AgentConfig { return b.cfg }

// Handler returns the wrapped domain handler.
func (b *BaseAgent) Handler() core.Handler { return b.handler }

// Logger returns the agent scoped logger.
func (b *BaseAgent) Logger() logging.Logger { return b.logger }

// Database returns the configured record store, or nil.
func (b *BaseAgent) Database() core.Database { return b.opts.Database }

// Status returns the current lifecycle status.
func (b *BaseAgent) Status() core.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *BaseAgent) setStatus(s core.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStatusLocked(s)
}

func (b *BaseAgent) setStatusLocked(s core.Status) {
	if b.status == s {
		return
	}
	// Leaving paused for any reason releases blocked checkpoints.
	if b.resumeCh != nil && s != core.StatusPaused {
		close(b.resumeCh)
		b.resumeCh = nil
	}
	b.logger.Debug("status changed", "from", b.status, "to", s)
	b.status = s
}

// Pause moves a running agent to paused. Handlers block in
// RunContext.Checkpoint until Resume is called.
func (b *BaseAgent) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != core.StatusRunning {
		return fmt.Errorf("pause from %s: %w", b.status, ErrInvalidTransition)
	}
	b.resumeCh = make(chan struct{})
	b.status = core.StatusPaused
	b.logger.Info("agent paused")

	return nil
}

// Resume moves a paused agent back to running.
func (b *BaseAgent) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != core.StatusPaused {
		return fmt.Errorf("resume from %s: %w", b.status, ErrInvalidTransition)
	}
	b.setStatusLocked(core.StatusRunning)
	b.logger.Info("agent resumed")

	return nil
}

func (b *BaseAgent) waitWhilePaused(ctx context.Context) error {
	b.mu.Lock()
	ch := b.resumeCh
	b.mu.Unlock()

	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSuccessResult builds a successful result measured from start.
func (b *BaseAgent) CreateSuccessResult(data any, start time.Time) *core.AgentResult {
	return core.NewSuccessResult(data, start)
}

// CreateErrorResult builds a failed result measured from start.
func (b *BaseAgent) CreateErrorResult(code, message string, start time.Time, recoverable bool) *core.AgentResult {
	return core.NewErrorResult(code, message, start, recoverable)
}

// Execute runs the handler once under the agent's retry and timeout policy.
// It never returns nil.
func (b *BaseAgent) Execute(ctx context.Context, input any, callerID string) *core.AgentResult {
	return b.execute(ctx, input, callerID, b.observeProgress)
}

func (b *BaseAgent) observeProgress(p *core.ProgressReport) {
	b.opts.Observer.ProgressReported(b.cfg.ID)
	b.logger.Debug("progress", "percentage", p.Percentage, "step", p.CurrentStep)
}

func (b *BaseAgent) execute(ctx context.Context, input any, callerID string, progress func(*core.ProgressReport)) *core.AgentResult {
	start := time.Now()

	if !b.cfg.Enabled {
		return b.CreateErrorResult(core.CodeAgentDisabled, fmt.Sprintf("agent %s is disabled", b.cfg.ID), start, false)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return b.CreateErrorResult(core.CodeAgentDisabled, ErrShutdown.Error(), start, false)
	}

	b.opts.Observer.ExecutionStarted(b.cfg.ID)
	b.setStatus(core.StatusRunning)
	b.logger.Debug("execution started", "caller_id", callerID)

	res := b.executeBounded(ctx, input, callerID, progress, start)
	res.ExecutionTime = time.Since(start)
	if !res.Success && res.Error == nil {
		res.Error = &core.AgentError{Code: core.CodeExecution, Message: "handler reported failure without error"}
	}

	if res.Success {
		b.setStatus(core.StatusStopped)
	} else {
		b.setStatus(core.StatusError)
		b.logger.Warn("execution failed", "code", res.Error.Code, "error", res.Error.Message)
	}
	b.opts.Observer.ExecutionFinished(b.cfg.ID, res.Success, res.ExecutionTime)

	return res
}

// executeBounded applies the timeout to initialization and every attempt.
func (b *BaseAgent) executeBounded(ctx context.Context, input any, callerID string, progress func(*core.ProgressReport), start time.Time) *core.AgentResult {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if b.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
	}
	defer cancel()

	done := make(chan *core.AgentResult, 1)
	async.Go(b.logger, "execute:"+b.cfg.ID, func() {
		done <- b.runWithRetry(runCtx, input, callerID, progress, start)
	})

	select {
	case res := <-done:
		return res
	case <-runCtx.Done():
		// A result that raced the deadline wins.
		select {
		case res := <-done:
			return res
		default:
		}
		return b.failure(runCtx, runCtx.Err(), start)
	}
}

func (b *BaseAgent) runWithRetry(ctx context.Context, input any, callerID string, progress func(*core.ProgressReport), start time.Time) *core.AgentResult {
	if err := b.ensureInitialized(ctx); err != nil {
		return b.failure(ctx, err, start)
	}

	hooks := core.RunHooks{Progress: progress, Gate: b.waitWhilePaused}

	var (
		result  *core.AgentResult
		attempt int
	)

	op := func() error {
		attempt++
		res, err := b.runOnce(ctx, input, callerID, attempt, hooks)
		if err != nil {
			if !b.opts.Classifier.Recoverable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	notify := func(err error, next time.Duration) {
		b.opts.Observer.ExecutionRetried(b.cfg.ID, attempt+1)
		b.logger.Warn("attempt failed, retrying", "attempt", attempt, "next_in", next, "error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RetryDelay), uint64(b.cfg.MaxRetries)),
		ctx,
	)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return b.failure(ctx, err, start)
	}

	if result == nil {
		return b.CreateSuccessResult(nil, start)
	}

	return result
}

func (b *BaseAgent) runOnce(ctx context.Context, input any, callerID string, attempt int, hooks core.RunHooks) (res *core.AgentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "attempt", attempt, "panic", r)
			res, err = nil, &panicError{value: r}
		}
	}()

	rc := core.NewRunContext(ctx, b.cfg.ID, b.cfg.Name, callerID, input, attempt, b.opts.Database, hooks, b.logger)

	return b.handler.Run(rc)
}

func (b *BaseAgent) ensureInitialized(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	if b.initialized {
		return nil
	}

	if err := b.handler.Initialize(ctx); err != nil {
		b.logger.Error("initialization failed", "error", err)
		return &initError{err: err}
	}

	b.initialized = true
	b.logger.Info("agent initialized")

	return nil
}

// failure maps err into a failed AgentResult.
func (b *BaseAgent) failure(ctx context.Context, err error, start time.Time) *core.AgentResult {
	code := core.CodeExecution

	var (
		ae *core.AgentError
		ie *initError
	)

	switch {
	case errors.As(err, &ae):
		code = ae.Code
	case errors.As(err, &ie):
		code = core.CodeInitialization
	case b.cfg.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = core.CodeTimeout
		err = fmt.Errorf("execution exceeded %s: %w", b.cfg.Timeout, err)
	}

	return &core.AgentResult{
		Success:       false,
		Error:         core.NewAgentError(code, err, b.opts.Classifier.Recoverable(err)),
		ExecutionTime: time.Since(start),
	}
}

// NeedsApproval reports whether an action at level requires sign-off given
// the configured approval level. Agents configured with ApprovalNone never
// require approval.
func (b *BaseAgent) NeedsApproval(level core.ApprovalLevel) bool {
	if b.cfg.ApprovalLevel == core.ApprovalNone {
		return false
	}
	return b.cfg.ApprovalLevel >= level
}

// RequestApproval asks the configured approver. Without an approver the
// request is denied.
func (b *BaseAgent) RequestApproval(ctx context.Context, title, description string, payload any) (bool, error) {
	if b.opts.Approver == nil {
		b.logger.Warn("no approver configured, denying", "title", title)
		return false, nil
	}

	decision, err := b.opts.Approver.RequestApproval(ctx, core.ApprovalRequest{
		AgentID:     b.cfg.ID,
		Level:       b.cfg.ApprovalLevel,
		Title:       title,
		Description: description,
		Payload:     payload,
	})
	if err != nil {
		return false, fmt.Errorf("request approval %q: %w", title, err)
	}

	b.logger.Info("approval decided", "title", title, "approved", decision.Approved, "approver", decision.Approver, "reason", decision.Reason)

	return decision.Approved, nil
}

// RequireApproval gates an action at level. It returns nil when no approval
// is needed or the request was approved, and an error wrapping
// core.ErrApprovalRejected when it was denied.
func (b *BaseAgent) RequireApproval(ctx context.Context, level core.ApprovalLevel, title, description string, payload any) error {
	if !b.NeedsApproval(level) {
		return nil
	}

	ok, err := b.RequestApproval(ctx, title, description, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", title, core.ErrApprovalRejected)
	}

	return nil
}

// SendNotification dispatches a notification in the background. Delivery
// failures and panics are logged, never returned. Shutdown waits for pending
// deliveries.
func (b *BaseAgent) SendNotification(ctx context.Context, priority core.Priority, channel, title, body, link string) {
	if b.opts.Notifier == nil {
		b.logger.Debug("no notifier configured, dropping notification", "title", title)
		return
	}

	n := core.Notification{
		AgentID:  b.cfg.ID,
		Priority: priority,
		Channel:  channel,
		Title:    title,
		Body:     body,
		Link:     link,
		SentAt:   time.Now(),
	}

	// Detached from the caller so a finished run does not abort delivery.
	notifyCtx := context.WithoutCancel(ctx)

	async.GoTracked(&b.notifyWG, b.logger, "notify:"+b.cfg.ID, func() {
		if err := b.opts.Notifier.Notify(notifyCtx, n); err != nil {
			b.logger.Warn("notification failed", "title", title, "channel", channel, "error", err)
		}
	})
}

// Shutdown waits for pending notifications, runs Handler.Cleanup exactly once
// and leaves the agent stopped. It is idempotent.
func (b *BaseAgent) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		b.notifyWG.Wait()
		close(waited)
	}()

	var waitErr error
	select {
	case <-waited:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for notifications: %w", ctx.Err())
	}

	b.cleanupOnce.Do(func() {
		if err := b.handler.Cleanup(ctx); err != nil {
			b.cleanupErr = fmt.Errorf("cleanup %s: %w", b.cfg.ID, err)
			b.logger.Error("cleanup failed", "error", err)
		}
	})

	b.setStatus(core.StatusStopped)
	b.logger.Info("agent shut down")

	return errors.Join(waitErr, b.cleanupErr)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.value) }

func (e *panicError) Recoverable() bool { return false }

type initError struct {
	err error
}

func (e *initError) Error() string { return fmt.Sprintf("initialize: %v", e.err) }

func (e *initError) Unwrap() error { return e.err }

var _ core.Agent = (*BaseAgent)(nil)
