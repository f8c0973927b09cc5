package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/opsmesh/core"
)

// SubAgentConfig extends AgentConfig with the parent binding and reporting
// policy of a sub-agent.
type SubAgentConfig struct {
	core.AgentConfig

	// Parent receives results, progress and errors. Required.
	Parent core.ParentRef
	// AutoReportResults sends every TaskResult to Parent.OnTaskComplete.
	// Nil means true.
	AutoReportResults *bool
	// ProgressReportInterval is the heartbeat period. Zero selects
	// DefaultProgressReportInterval; a negative value disables the heartbeat.
	ProgressReportInterval time.Duration
}

// Bool returns a pointer to v, for optional config fields.
func Bool(v bool) *bool { return &v }

// SubAgent executes tasks handed down by a parent, one task (or one batch)
// at a time per instance, and reports the outcome back through the parent
// reference.
type SubAgent struct {
	*BaseAgent

	parent     core.ParentRef
	autoReport bool
	interval   time.Duration

	mu          sync.Mutex
	busy        bool
	gen         uint64
	current     *core.TaskPayload
	inflight    map[string]*taskRun
	batchCancel context.CancelFunc
}

type taskRun struct {
	task      *core.TaskPayload
	cancel    context.CancelFunc
	hb        *heartbeat
	cancelled *core.TaskResult // set once CancelCurrentTask reported it
	finished  bool             // set once runTask claimed the outcome
}

// NewSubAgent constructs a SubAgent bound to cfg.Parent.
func NewSubAgent(cfg SubAgentConfig, h core.Handler, optFns ...func(o *Options)) (*SubAgent, error) {
	if cfg.Parent == nil {
		return nil, &core.ValidationError{Field: "parent", Message: "must not be nil"}
	}

	base, err := NewBaseAgent(cfg.AgentConfig, h, optFns...)
	if err != nil {
		return nil, err
	}

	interval := cfg.ProgressReportInterval
	if interval == 0 {
		interval = DefaultProgressReportInterval
	}

	autoReport := true
	if cfg.AutoReportResults != nil {
		autoReport = *cfg.AutoReportResults
	}

	return &SubAgent{
		BaseAgent:  base,
		parent:     cfg.Parent,
		autoReport: autoReport,
		interval:   interval,
		inflight:   make(map[string]*taskRun),
	}, nil
}

// Parent returns the parent reference.
func (s *SubAgent) Parent() core.ParentRef { return s.parent }

// CurrentTask returns the most recently started task still in flight.
func (s *SubAgent) CurrentTask() (*core.TaskPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

func (s *SubAgent) acquire() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return 0, false
	}
	s.busy = true
	s.gen++

	return s.gen, true
}

// release frees the slot unless CancelCurrentTask already did and a new
// holder took it over.
func (s *SubAgent) release(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen == gen {
		s.busy = false
		s.current = nil
		s.batchCancel = nil
	}
}

// ExecuteTask runs one task through the handler and returns exactly one
// result. The error is non-nil only when the task is rejected:
// core.ErrNilTask for a nil task and core.ErrTaskInProgress when the instance
// already holds a task.
func (s *SubAgent) ExecuteTask(ctx context.Context, task *core.TaskPayload) (*core.TaskResult, error) {
	if task == nil {
		return nil, core.ErrNilTask
	}

	gen, ok := s.acquire()
	if !ok {
		s.logger.Warn("task rejected, instance busy", "task_id", task.TaskID)
		return nil, core.ErrTaskInProgress
	}
	defer s.release(gen)

	return s.runTask(ctx, task), nil
}

// runTask is the per-task protocol shared by ExecuteTask and the batch
// helpers. The caller holds the slot.
func (s *SubAgent) runTask(ctx context.Context, task *core.TaskPayload) (result *core.TaskResult) {
	start := time.Now()
	logger := s.logger

	if task.Expired(start) {
		res := s.newFailed(task, core.CodeTaskExpired, fmt.Sprintf("task %s expired at %s", task.TaskID, task.ExpiresAt.Format(time.RFC3339)), false, 0)
		logger.Warn("task expired", "task_id", task.TaskID, "type", task.Type)
		s.finish(task, res)
		return res
	}

	interval := s.interval
	if _, ok := s.parent.(core.ProgressListener); !ok {
		interval = 0
	}

	runCtx, cancel := context.WithCancel(core.WithTask(ctx, task))
	run := &taskRun{task: task, cancel: cancel}
	run.hb = startHeartbeat(interval, func() { s.heartbeatTick(run) })
	s.track(run)

	defer func() {
		run.hb.Stop()
		cancel()
		s.untrack(run)
	}()

	logger.Info("task started", "task_id", task.TaskID, "type", task.Type, "priority", task.Priority)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "task_id", task.TaskID, "panic", r)
			err := &panicError{value: r}
			s.ReportError(err, s.errorDetails(task, core.CodeExecution))
			failed := s.newFailed(task, core.CodeTaskExecution, err.Error(), false, time.Since(start))
			cancelled, claimed := s.claim(run)
			switch {
			case cancelled != nil:
				result = cancelled
			case claimed:
				result = failed
				s.finish(task, result)
			}
		}
	}()

	ar := s.execute(runCtx, task.Data, s.parent.ID(), s.ReportProgress)

	if cancelled, _ := s.claim(run); cancelled != nil {
		// Already reported by CancelCurrentTask.
		s.setStatus(core.StatusIdle)
		return cancelled
	}

	if ar.Success {
		result = &core.TaskResult{
			TaskID:        task.TaskID,
			AgentID:       s.ID(),
			Status:        core.TaskCompleted,
			Data:          ar.Data,
			CompletedAt:   time.Now(),
			ExecutionTime: time.Since(start),
		}
		logger.Info("task completed", "task_id", task.TaskID, "duration", result.ExecutionTime)
	} else {
		s.ReportError(ar.Error, s.errorDetails(task, ar.Error.Code))
		msg := ar.Error.Message
		if msg == "" {
			msg = ar.Error.Code
		}
		result = s.newFailed(task, core.CodeTaskExecution, msg, ar.Error.Recoverable, time.Since(start))
		logger.Warn("task failed", "task_id", task.TaskID, "code", ar.Error.Code, "error", msg)
	}

	s.finish(task, result)

	return result
}

func (s *SubAgent) newFailed(task *core.TaskPayload, code, msg string, recoverable bool, elapsed time.Duration) *core.TaskResult {
	res := core.NewFailedTaskResult(task.TaskID, code, msg, recoverable, elapsed)
	res.AgentID = s.ID()
	return res
}

func (s *SubAgent) errorDetails(task *core.TaskPayload, code string) map[string]any {
	return map[string]any{
		"agent_id":  s.ID(),
		"task_id":   task.TaskID,
		"task_type": task.Type,
		"code":      code,
	}
}

// finish records telemetry and auto-reports res.
func (s *SubAgent) finish(task *core.TaskPayload, res *core.TaskResult) {
	s.opts.Observer.TaskFinished(s.ID(), task.Type, res.Status, res.ExecutionTime)
	if s.autoReport {
		if err := s.ReportResult(res); err != nil {
			s.logger.Warn("report result failed", "task_id", res.TaskID, "error", err)
		}
	}
}

func (s *SubAgent) track(run *taskRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[run.task.TaskID] = run
	s.current = run.task
}

func (s *SubAgent) untrack(run *taskRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(run)
}

func (s *SubAgent) dropLocked(run *taskRun) {
	if s.inflight[run.task.TaskID] == run {
		delete(s.inflight, run.task.TaskID)
	}
	if s.current == run.task {
		s.current = nil
	}
}

// claim takes the terminal state of run before its result is reported. It
// returns the cancelled result when CancelCurrentTask got there first.
// claimed is true only for the first successful claim; run then leaves the
// in-flight set so a later cancel skips it.
func (s *SubAgent) claim(run *taskRun) (cancelled *core.TaskResult, claimed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.cancelled != nil {
		return run.cancelled, false
	}
	if run.finished {
		return nil, false
	}
	run.finished = true
	s.dropLocked(run)
	return nil, true
}

func (s *SubAgent) ended(run *taskRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return run.cancelled != nil || run.finished
}

// CancelCurrentTask cancels every task in flight on this instance, reports a
// cancelled result for each, frees the slot and resets the status to idle.
// It is a no-op when nothing is running. Handlers are not preempted; they
// observe the cancellation through their context.
func (s *SubAgent) CancelCurrentTask() {
	s.mu.Lock()
	if !s.busy && len(s.inflight) == 0 {
		s.mu.Unlock()
		return
	}

	runs := make([]*taskRun, 0, len(s.inflight))
	for id, run := range s.inflight {
		if run.finished {
			continue
		}
		res := &core.TaskResult{
			TaskID:      id,
			AgentID:     s.ID(),
			Status:      core.TaskCancelled,
			Error:       &core.TaskError{Code: core.CodeTaskCancelled, Message: "task cancelled"},
			CompletedAt: time.Now(),
		}
		run.cancelled = res
		runs = append(runs, run)
		delete(s.inflight, id)
	}

	batchCancel := s.batchCancel
	s.busy = false
	s.current = nil
	s.batchCancel = nil
	s.gen++
	s.mu.Unlock()

	if batchCancel != nil {
		batchCancel()
	}

	for _, run := range runs {
		run.cancel()
		run.hb.Signal()
		s.logger.Info("task cancelled", "task_id", run.task.TaskID)
		s.finish(run.task, run.cancelled)
	}

	s.setStatus(core.StatusIdle)
}

// CurrentProgress returns the progress of task as reported by the handler,
// or a status based estimate when the handler does not track progress.
func (s *SubAgent) CurrentProgress(task *core.TaskPayload) *core.ProgressReport {
	var p *core.ProgressReport

	if pp, ok := s.handler.(core.ProgressProvider); ok {
		p = pp.CurrentProgress()
		if p == nil {
			return nil
		}
	} else {
		status := s.Status()
		p = &core.ProgressReport{
			Percentage:  statusPercentage(status),
			CurrentStep: string(status),
		}
	}

	if p.AgentID == "" {
		p.AgentID = s.ID()
	}
	if p.TaskID == "" && task != nil {
		p.TaskID = task.TaskID
	}

	return p
}

func statusPercentage(s core.Status) float64 {
	switch s {
	case core.StatusRunning, core.StatusPaused:
		return 50
	case core.StatusStopped, core.StatusError:
		return 100
	default:
		return 0
	}
}

func (s *SubAgent) heartbeatTick(run *taskRun) {
	task := run.task
	if s.ended(run) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("progress heartbeat panicked", "task_id", task.TaskID, "panic", r)
		}
	}()

	if p := s.CurrentProgress(task); p != nil {
		s.ReportProgress(p)
	}
}

// ReportResult sends res to the parent.
func (s *SubAgent) ReportResult(res *core.TaskResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parent %s panicked on result: %v", s.parent.ID(), r)
		}
	}()
	return s.parent.OnTaskComplete(res)
}

// ReportProgress forwards p to the parent when it listens for progress.
// Failures are logged.
func (s *SubAgent) ReportProgress(p *core.ProgressReport) {
	if p == nil {
		return
	}

	pl, ok := s.parent.(core.ProgressListener)
	if !ok {
		return
	}
	s.opts.Observer.ProgressReported(s.ID())

	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("parent panicked on progress", "panic", r)
		}
	}()

	if err := pl.OnProgress(p); err != nil {
		s.logger.Warn("report progress failed", "task_id", p.TaskID, "error", err)
	}
}

// ReportError forwards err to the parent when it listens for errors.
// Failures are logged.
func (s *SubAgent) ReportError(err error, details map[string]any) {
	el, ok := s.parent.(core.ErrorListener)
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("parent panicked on error report", "panic", r)
		}
	}()

	if rerr := el.OnError(err, details); rerr != nil {
		s.logger.Warn("report error failed", "error", rerr)
	}
}

// RequestApprovalFromParent asks the parent to approve an action. Parents
// that do not decide approvals defer to the agent's own approver.
func (s *SubAgent) RequestApprovalFromParent(ctx context.Context, title, description string, payload any) (bool, error) {
	if pa, ok := s.parent.(core.ParentApprover); ok {
		approved, err := pa.RequestApprovalFromParent(ctx, title, description, payload)
		if err != nil {
			return false, fmt.Errorf("parent approval %q: %w", title, err)
		}
		return approved, nil
	}
	return s.RequestApproval(ctx, title, description, payload)
}

// TaskOption customizes a task built by CreateTask.
type TaskOption func(t *core.TaskPayload)

// WithPriority sets the task priority, clamped to the valid range.
func WithPriority(p int) TaskOption {
	return func(t *core.TaskPayload) { t.Priority = core.ClampPriority(p) }
}

// WithTTL expires the task d after creation.
func WithTTL(d time.Duration) TaskOption {
	return func(t *core.TaskPayload) {
		exp := t.CreatedAt.Add(d)
		t.ExpiresAt = &exp
	}
}

// WithExpiresAt sets an absolute expiry.
func WithExpiresAt(at time.Time) TaskOption {
	return func(t *core.TaskPayload) { t.ExpiresAt = &at }
}

// WithParentTaskID overrides the parent task link.
func WithParentTaskID(id string) TaskOption {
	return func(t *core.TaskPayload) { t.ParentTaskID = id }
}

// WithRetryCount records how often the task has been re-dispatched.
func WithRetryCount(n int) TaskOption {
	return func(t *core.TaskPayload) { t.RetryCount = n }
}

// CreateTask builds a new task with a fresh id. ParentTaskID links to the
// task this instance is currently executing, if any.
func (s *SubAgent) CreateTask(taskType string, data any, opts ...TaskOption) *core.TaskPayload {
	t := NewTask(taskType, data)
	if cur, ok := s.CurrentTask(); ok {
		t.ParentTaskID = cur.TaskID
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewTask builds a task with a fresh id and default priority.
func NewTask(taskType string, data any, opts ...TaskOption) *core.TaskPayload {
	t := &core.TaskPayload{
		TaskID:    uuid.NewString(),
		Type:      taskType,
		Priority:  core.DefaultPriority,
		Data:      data,
		CreatedAt: time.Now(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// DelegateTask hands task to another registered agent and returns its
// result. Lookup failures and busy targets become failed results.
func (s *SubAgent) DelegateTask(ctx context.Context, agentID string, task *core.TaskPayload) *core.TaskResult {
	if task == nil {
		return core.NewFailedTaskResult("", core.CodeInvalidArgument, core.ErrNilTask.Error(), false, 0)
	}

	notFound := func(msg string) *core.TaskResult {
		res := core.NewFailedTaskResult(task.TaskID, core.CodeAgentNotFound, msg, false, 0)
		res.AgentID = agentID
		return res
	}

	if s.opts.Registry == nil {
		return notFound("no agent registry configured")
	}

	target, ok := s.opts.Registry.GetAgent(agentID)
	if !ok || target == nil {
		s.logger.Warn("delegation target not found", "target", agentID, "task_id", task.TaskID)
		return notFound(fmt.Sprintf("agent %s not found", agentID))
	}

	s.logger.Debug("delegating task", "target", agentID, "task_id", task.TaskID, "type", task.Type)

	if te, ok := target.(core.TaskExecutor); ok {
		res, err := te.ExecuteTask(ctx, task)
		switch {
		case errors.Is(err, core.ErrTaskInProgress):
			busy := core.NewFailedTaskResult(task.TaskID, core.CodeAgentBusy, fmt.Sprintf("agent %s is busy", agentID), true, 0)
			busy.AgentID = agentID
			return busy
		case err != nil:
			failed := core.NewFailedTaskResult(task.TaskID, core.CodeTaskExecution, err.Error(), false, 0)
			failed.AgentID = agentID
			return failed
		case res == nil:
			return core.NewFailedTaskResult(task.TaskID, core.CodeTaskExecution, "agent returned no result", false, 0)
		}
		return res
	}

	return core.TaskResultFromAgentResult(task.TaskID, agentID, target.Execute(ctx, task.Data, s.ID()))
}

var (
	_ core.Agent        = (*SubAgent)(nil)
	_ core.TaskExecutor = (*SubAgent)(nil)
)
