package agent

import (
	"time"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/logging"
)

// Default batch settings for SubAgent.
const (
	DefaultConcurrency            = 3
	DefaultBatchDelay             = 100 * time.Millisecond
	DefaultProgressReportInterval = 30 * time.Second
)

// Options configures the collaborators of an agent.
//
// Use functional options with NewBaseAgent / NewSubAgent to override defaults.
type Options struct {
	Logger     logging.Logger
	Registry   core.AgentLookup
	Database   core.Database
	Notifier   core.Notifier
	Approver   core.Approver
	Observer   core.Observer
	Classifier ErrorClassifier

	// Concurrency is the default chunk size of ExecuteTasksParallel.
	Concurrency int
	// BatchDelay is the pause between parallel chunks.
	BatchDelay time.Duration
}

func defaultOptions() Options {
	return Options{
		Logger:      logging.NoOpLogger{},
		Observer:    core.NoOpObserver{},
		Classifier:  DefaultClassifier,
		Concurrency: DefaultConcurrency,
		BatchDelay:  DefaultBatchDelay,
	}
}

func buildOptions(optFns []func(o *Options)) Options {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Observer == nil {
		opts.Observer = core.NoOpObserver{}
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}

	return opts
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithRegistry sets the agent lookup used by DelegateTask.
func WithRegistry(r core.AgentLookup) func(o *Options) {
	return func(o *Options) { o.Registry = r }
}

// WithDatabase sets the record store handed to handlers via RunContext.
func WithDatabase(db core.Database) func(o *Options) {
	return func(o *Options) { o.Database = db }
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n core.Notifier) func(o *Options) {
	return func(o *Options) { o.Notifier = n }
}

// WithApprover sets the approval collaborator.
func WithApprover(a core.Approver) func(o *Options) {
	return func(o *Options) { o.Approver = a }
}

// WithObserver sets the telemetry sink.
func WithObserver(obs core.Observer) func(o *Options) {
	return func(o *Options) { o.Observer = obs }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c ErrorClassifier) func(o *Options) {
	return func(o *Options) { o.Classifier = c }
}

// WithConcurrency sets the default chunk size for parallel batches.
func WithConcurrency(n int) func(o *Options) {
	return func(o *Options) { o.Concurrency = n }
}

// WithBatchDelay sets the pause between parallel chunks. Zero disables it.
func WithBatchDelay(d time.Duration) func(o *Options) {
	return func(o *Options) { o.BatchDelay = d }
}
