// Package opsmesh provides a high-level facade over the invocation engine and
// the collaborators every agent shares (record store, notifier, approver,
// observer and logger). Most applications interact with this package by:
//  1. Creating an OpsMesh via New() (optionally overriding the in-memory store)
//  2. Building agents with AgentOptions() and registering them
//  3. Invoking agents by id (Invoke) or handing them tasks (InvokeTask)
//
// All defaults are safe for local development and testing; production
// deployments supply a durable store and a structured logger.
package opsmesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/opsmesh/agent"
	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/engine"
	"github.com/hupe1980/opsmesh/logging"
	"github.com/hupe1980/opsmesh/registry"
	"github.com/hupe1980/opsmesh/store"
	"github.com/hupe1980/opsmesh/store/boltdb"
	"github.com/hupe1980/opsmesh/store/inmemory"
	"github.com/hupe1980/opsmesh/store/sqlite"
)

// Options configures the OpsMesh instance.
type Options struct {
	// EngineConfig bounds concurrent invocations.
	EngineConfig engine.Config

	// Database is the record store handed to every agent. Defaults to an
	// in-memory store.
	Database core.Database

	Notifier core.Notifier
	Approver core.Approver
	Observer core.Observer

	// Callbacks are registered with the engine.
	Callbacks []engine.Callback

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// OpsMesh is the high-level facade aggregating the engine and the shared
// collaborators.
type OpsMesh struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new OpsMesh instance with optional overrides.
func New(optFns ...func(o *Options)) *OpsMesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Database == nil {
		opts.Database = inmemory.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Callbacks = opts.Callbacks
		o.Logger = opts.Logger
	})

	return &OpsMesh{opts: opts, engine: e}
}

// Engine returns the underlying engine.
func (m *OpsMesh) Engine() *engine.Engine { return m.engine }

// Registry returns the agent registry shared by the engine and delegating
// agents.
func (m *OpsMesh) Registry() *registry.Registry { return m.engine.Registry() }

// Database returns the shared record store.
func (m *OpsMesh) Database() core.Database { return m.opts.Database }

// AgentOptions returns the options that bind an agent to the shared
// collaborators. extra is applied last.
func (m *OpsMesh) AgentOptions(extra ...func(o *agent.Options)) []func(o *agent.Options) {
	opts := []func(o *agent.Options){
		agent.WithLogger(m.opts.Logger),
		agent.WithRegistry(m.engine.Registry()),
		agent.WithDatabase(m.opts.Database),
	}
	if m.opts.Notifier != nil {
		opts = append(opts, agent.WithNotifier(m.opts.Notifier))
	}
	if m.opts.Approver != nil {
		opts = append(opts, agent.WithApprover(m.opts.Approver))
	}
	if m.opts.Observer != nil {
		opts = append(opts, agent.WithObserver(m.opts.Observer))
	}
	return append(opts, extra...)
}

// NewAgent builds a base agent bound to the shared collaborators and
// registers it.
func (m *OpsMesh) NewAgent(cfg core.AgentConfig, h core.Handler, extra ...func(o *agent.Options)) (*agent.BaseAgent, error) {
	a, err := agent.NewBaseAgent(cfg, h, m.AgentOptions(extra...)...)
	if err != nil {
		return nil, err
	}
	if err := m.RegisterAgent(a); err != nil {
		return nil, err
	}
	return a, nil
}

// RegisterAgent adds an agent to the engine.
func (m *OpsMesh) RegisterAgent(a core.Agent, optFns ...func(o *registry.RegisterOptions)) error {
	return m.engine.Register(a, optFns...)
}

// Invoke runs an agent synchronously and returns the invocation id.
func (m *OpsMesh) Invoke(ctx context.Context, agentID string, input any) (string, *core.AgentResult, error) {
	return m.engine.Invoke(ctx, agentID, input)
}

// InvokeTask hands task to an agent through the task protocol.
func (m *OpsMesh) InvokeTask(ctx context.Context, agentID string, task *core.TaskPayload) (*core.TaskResult, error) {
	return m.engine.InvokeTask(ctx, agentID, task)
}

// Shutdown stops every agent and closes the store.
func (m *OpsMesh) Shutdown(ctx context.Context) error {
	return errors.Join(m.engine.Shutdown(ctx), m.opts.Database.Close())
}

// OpenDatabase opens the record store named by driver. path is ignored by
// the memory driver; timeout only applies to bolt.
func OpenDatabase(driver, path string, timeout time.Duration) (core.Database, error) {
	switch driver {
	case store.DriverMemory, "":
		return inmemory.New(), nil
	case store.DriverSQLite:
		db, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case store.DriverBolt:
		db, err := boltdb.Open(path, timeout)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
