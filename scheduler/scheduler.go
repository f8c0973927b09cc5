// Package scheduler runs agents on cron schedules. Triggers invoke agents
// through an Invoker, usually the engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/logging"
)

var (
	// ErrDuplicateTrigger is returned when a trigger name is already taken.
	ErrDuplicateTrigger = errors.New("trigger already registered")
	// ErrTriggerNotFound is returned for unknown trigger names.
	ErrTriggerNotFound = errors.New("trigger not found")
)

// Concurrency policies for a trigger whose previous run has not finished.
const (
	PolicySkip  = "skip"
	PolicyDelay = "delay"
)

// Invoker executes an agent once. *engine.Engine implements it.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, input any) (string, *core.AgentResult, error)
}

// Trigger binds a cron schedule to an agent invocation.
type Trigger struct {
	Name     string
	Schedule string // 5-field cron expression or descriptor such as @hourly
	AgentID  string
	Input    any
	// Timeout bounds a single run. Zero uses the scheduler default.
	Timeout time.Duration
}

// TriggerInfo describes a registered trigger.
type TriggerInfo struct {
	Trigger
	Next time.Time
	Prev time.Time
}

// Options configures a Scheduler.
type Options struct {
	Logger            logging.Logger
	ConcurrencyPolicy string
	TriggerTimeout    time.Duration
	Location          *time.Location
	// OnResult observes every finished run.
	OnResult func(name string, res *core.AgentResult, err error)
}

// Scheduler manages cron triggers.
type Scheduler struct {
	cron    *cron.Cron
	invoker Invoker
	opts    Options
	logger  logging.Logger

	mu       sync.Mutex
	triggers map[string]registered

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopOnce  sync.Once
}

type registered struct {
	trigger Trigger
	entryID cron.EntryID
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler. Runs are skipped while the previous run of the
// same trigger is still going unless ConcurrencyPolicy is "delay".
func New(invoker Invoker, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		Logger:            logging.NoOpLogger{},
		ConcurrencyPolicy: PolicySkip,
		Location:          time.Local,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.With(opts.Logger, "component", "scheduler")
	runCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:      newCron(opts, logger),
		invoker:   invoker,
		opts:      opts,
		logger:    logger,
		triggers:  make(map[string]registered),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

func newCron(opts Options, logger logging.Logger) *cron.Cron {
	cl := cronLogger{logger: logger}

	var wrapper cron.JobWrapper
	switch strings.ToLower(strings.TrimSpace(opts.ConcurrencyPolicy)) {
	case PolicyDelay:
		wrapper = cron.DelayIfStillRunning(cl)
	case PolicySkip, "":
		wrapper = cron.SkipIfStillRunning(cl)
	default:
		logger.Warn("unknown concurrency policy, defaulting to skip", "policy", opts.ConcurrencyPolicy)
		wrapper = cron.SkipIfStillRunning(cl)
	}

	return cron.New(
		cron.WithParser(parser),
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), wrapper),
	)
}

// ValidateSchedule reports whether expr parses as a trigger schedule.
func ValidateSchedule(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// Add registers a trigger. It may be called before or after Start.
func (s *Scheduler) Add(t Trigger) error {
	if strings.TrimSpace(t.Name) == "" {
		return &core.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if strings.TrimSpace(t.AgentID) == "" {
		return &core.ValidationError{Field: "agent", Message: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTrigger, t.Name)
	}

	entryID, err := s.cron.AddFunc(t.Schedule, func() { s.run(t) })
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", t.Name, err)
	}

	s.triggers[t.Name] = registered{trigger: t, entryID: entryID}
	s.logger.Info("trigger registered", "trigger", t.Name, "schedule", t.Schedule, "agent_id", t.AgentID)
	return nil
}

// Remove unregisters a trigger. Runs in flight are not interrupted.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.triggers[name]
	if !ok {
		return false
	}
	s.cron.Remove(r.entryID)
	delete(s.triggers, name)
	return true
}

// Triggers lists the registered triggers sorted by name, with their next and
// previous fire times. Next is zero until the scheduler is started.
func (s *Scheduler) Triggers() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TriggerInfo, 0, len(s.triggers))
	for _, r := range s.triggers {
		entry := s.cron.Entry(r.entryID)
		out = append(out, TriggerInfo{Trigger: r.trigger, Next: entry.Next, Prev: entry.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing triggers. The scheduler stops when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started", "triggers", len(s.Triggers()))

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(context.Background())
		case <-s.runCtx.Done():
		}
	}()
}

// Stop halts the schedule, cancels running invocations and waits for them
// to return or for ctx to end. It is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("scheduler stopping")
		s.cancelRun()
		done := s.cron.Stop()
		select {
		case <-done.Done():
			s.logger.Info("scheduler stopped")
		case <-ctx.Done():
			err = fmt.Errorf("wait for running triggers: %w", ctx.Err())
		}
	})
	return err
}

// RunNow fires the named trigger immediately and waits for the result. It
// bypasses the concurrency policy.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*core.AgentResult, error) {
	s.mu.Lock()
	r, ok := s.triggers[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, name)
	}

	return s.invoke(ctx, r.trigger)
}

func (s *Scheduler) run(t Trigger) {
	_, _ = s.invoke(s.runCtx, t)
}

func (s *Scheduler) invoke(ctx context.Context, t Trigger) (*core.AgentResult, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.opts.TriggerTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := logging.With(s.logger, "trigger", t.Name, "agent_id", t.AgentID)
	done := logging.StartTimer(logger, "trigger run")

	invocationID, res, err := s.invoker.Invoke(ctx, t.AgentID, t.Input)
	done()

	switch {
	case err != nil:
		logger.Error("trigger failed", "error", err)
	case res != nil && !res.Success:
		code := ""
		if res.Error != nil {
			code = res.Error.Code
		}
		logger.Warn("trigger run failed", "invocation_id", invocationID, "code", code)
	default:
		logger.Info("trigger run completed", "invocation_id", invocationID)
	}

	if s.opts.OnResult != nil {
		s.opts.OnResult(t.Name, res, err)
	}

	return res, err
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
