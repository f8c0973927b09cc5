package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/opsmesh"
	"github.com/hupe1980/opsmesh/agent"
	"github.com/hupe1980/opsmesh/approval"
	"github.com/hupe1980/opsmesh/config"
	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/engine"
	"github.com/hupe1980/opsmesh/logging"
	"github.com/hupe1980/opsmesh/metrics"
	"github.com/hupe1980/opsmesh/model"
	"github.com/hupe1980/opsmesh/model/anthropic"
	"github.com/hupe1980/opsmesh/model/openai"
	"github.com/hupe1980/opsmesh/notify"
	"github.com/hupe1980/opsmesh/ops/inventory"
	"github.com/hupe1980/opsmesh/registry"
)

// IOStreams are the standard streams of a command.
type IOStreams struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

// App is the runtime assembled from a configuration file.
type App struct {
	Config    *config.Config
	Logger    logging.Logger
	Mesh      *opsmesh.OpsMesh
	Inventory *inventory.Coordinator
	Metrics   *prometheus.Registry
}

// NewApp opens the store and wires the engine, the shared collaborators and
// the inventory agents.
func NewApp(cfg *config.Config, streams IOStreams) (*App, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		Output: streams.ErrOut,
	})

	db, err := opsmesh.OpenDatabase(cfg.Store.Driver, cfg.Store.Path, cfg.Store.Timeout.D())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	approver, err := newApprover(cfg.Approval, streams)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	reg := prometheus.NewRegistry()
	observer, err := metrics.NewObserver(cfg.Metrics.Namespace, reg)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	mesh := opsmesh.New(func(o *opsmesh.Options) {
		o.EngineConfig = engine.Config{MaxConcurrentInvocations: cfg.Engine.MaxConcurrentInvocations}
		o.Database = db
		o.Notifier = newNotifier(cfg.Notify, streams.Out, logger)
		o.Approver = approver
		o.Observer = observer
		o.Logger = logger
		o.Callbacks = []engine.Callback{
			engine.NewLoggingCallback(engine.CallbackOnError, logger),
		}
	})

	invCfg, extra, err := inventoryConfig(cfg)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	coord, err := inventory.New(invCfg, mesh.Registry(), mesh.AgentOptions(extra...)...)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	if err := mesh.RegisterAgent(coord, registry.WithTags(inventory.Tag)); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Mesh:      mesh,
		Inventory: coord,
		Metrics:   reg,
	}, nil
}

// Close shuts the agents down and closes the store.
func (a *App) Close(ctx context.Context) error {
	return a.Mesh.Shutdown(ctx)
}

func newNotifier(cfg config.NotifyConfig, out io.Writer, logger logging.Logger) core.Notifier {
	var console core.Notifier
	if cfg.Console {
		console = notify.NewConsole(out, func(o *notify.ConsoleOptions) { o.Color = cfg.Color })
	}

	multi := notify.NewMulti(console, notify.NewLog(logger))
	if cfg.MinPriority == "" {
		return multi
	}
	return notify.MinPriority(core.Priority(cfg.MinPriority), multi)
}

func newApprover(cfg config.ApprovalConfig, streams IOStreams) (core.Approver, error) {
	maxAuto, err := core.ParseApprovalLevel(cfg.MaxAutoLevel)
	if err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case approval.ModeAuto:
		return approval.Auto{MaxLevel: core.ApprovalCritical}, nil
	case approval.ModeDeny:
		return approval.Deny{}, nil
	case approval.ModeInteractive:
		return approval.Threshold{
			MaxAuto: maxAuto,
			Next:    approval.NewInteractive(streams.In, streams.Out, false),
		}, nil
	case approval.ModeModel:
		m, err := newModel(cfg.Model)
		if err != nil {
			return nil, err
		}
		ma, err := approval.NewModelApprover(m)
		if err != nil {
			return nil, err
		}
		return approval.Threshold{MaxAuto: maxAuto, Next: ma}, nil
	default:
		return nil, fmt.Errorf("unknown approval mode %q", cfg.Mode)
	}
}

func newModel(cfg config.ModelConfig) (model.Model, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = apiKey
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
		}), nil
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.APIKey = apiKey
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// inventoryConfig overlays the agents section on the inventory defaults.
func inventoryConfig(cfg *config.Config) (inventory.Config, []func(o *agent.Options), error) {
	inv := inventory.DefaultConfig()
	inv.LargeOrderValue = cfg.Inventory.LargeOrderValue
	if cfg.Inventory.Concurrency > 0 {
		inv.Concurrency = cfg.Inventory.Concurrency
	}
	if cfg.Inventory.NotifyChannel != "" {
		inv.NotifyChannel = cfg.Inventory.NotifyChannel
	}

	var extra []func(o *agent.Options)

	targets := map[string]*core.AgentConfig{
		inventory.CoordinatorID: &inv.Coordinator,
		inventory.StockCheckID:  &inv.StockCheck,
		inventory.ReplenishID:   &inv.Replenish,
		inventory.SupplierID:    &inv.Supplier,
	}
	for id, target := range targets {
		block, ok := cfg.Agent(id)
		if !ok {
			continue
		}
		cc, err := block.CoreConfig()
		if err != nil {
			return inventory.Config{}, nil, err
		}
		if block.Name == "" {
			cc.Name = target.Name
		}
		*target = cc

		if id == inventory.StockCheckID {
			if block.ProgressReportInterval != 0 {
				inv.ProgressReportInterval = block.ProgressReportInterval.D()
			}
			if block.Concurrency > 0 {
				inv.Concurrency = block.Concurrency
			}
			if block.BatchDelay != 0 {
				extra = append(extra, agent.WithBatchDelay(block.BatchDelay.D()))
			}
		}
	}

	return inv, extra, nil
}
