package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/opsmesh/config"
	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/ops/inventory"
	"github.com/hupe1980/opsmesh/scheduler"
	"github.com/hupe1980/opsmesh/store"
)

// ErrAlreadyRunning is returned when another serve process holds the lock.
var ErrAlreadyRunning = errors.New("another opsmesh instance is running")

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	lockFile string
	seedDemo bool
	policy   string
	// ready is closed once triggers are scheduled and the metrics endpoint
	// listens. Used by tests.
	ready chan<- string
}

func newServeCommand(load configLoader, streams IOStreams) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the configured schedules until interrupted",
		Long: `serve starts every trigger of the schedule section and, when
metrics.addr is set, exposes prometheus metrics on /metrics. Only one serve
process may use a store at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, streams, opts)
		},
	}

	cmd.Flags().StringVar(&opts.lockFile, "lock-file", "", "Single instance lock (default: <store path>.lock)")
	cmd.Flags().BoolVar(&opts.seedDemo, "seed-demo", false, "Load the demo stock before starting")
	cmd.Flags().StringVar(&opts.policy, "overlap", scheduler.PolicySkip, "What to do when a run is still going at the next tick (skip, delay)")

	return cmd
}

// lockPath returns where the single instance lock lives.
func lockPath(cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	if cfg.Store.Driver == store.DriverMemory {
		return filepath.Join(os.TempDir(), "opsmesh-serve.lock")
	}
	return cfg.Store.Path + ".lock"
}

// acquireLock takes the single instance lock without blocking.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to try lock on %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
	}
	return fl, nil
}

func serve(ctx context.Context, cfg *config.Config, streams IOStreams, opts serveOptions) (err error) {
	lock, err := acquireLock(lockPath(cfg, opts.lockFile))
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()

	app, err := NewApp(cfg, streams)
	if err != nil {
		return err
	}

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), shutdownTimeout)
	}

	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		err = errors.Join(err, app.Close(sctx))
	}()

	if opts.seedDemo {
		if err := inventory.Seed(ctx, app.Mesh.Database(), inventory.DemoStock()); err != nil {
			return err
		}
	}

	logger := app.Logger
	sched := scheduler.New(app.Mesh.Engine(), func(o *scheduler.Options) {
		o.Logger = logger
		o.ConcurrencyPolicy = opts.policy
		o.OnResult = func(name string, res *core.AgentResult, err error) {
			switch {
			case err != nil:
				logger.Error("scheduled run failed", "trigger", name, "error", err)
			case !res.Success:
				logger.Warn("scheduled run reported failure", "trigger", name, "code", res.Error.Code, "error", res.Error.Message)
			default:
				logger.Info("scheduled run finished", "trigger", name, "duration", res.ExecutionTime)
			}
		}
	})

	for _, s := range cfg.Schedule {
		if err := sched.Add(scheduler.Trigger{
			Name:     s.Name,
			Schedule: s.Cron,
			AgentID:  s.Agent,
			Input:    s.Input,
			Timeout:  s.Timeout.D(),
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}

	var srv *http.Server
	addr := ""
	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		addr = ln.Addr().String()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.Metrics, promhttp.HandlerOpts{}))
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint listening", "addr", addr)
	}

	sched.Start(ctx)
	for _, t := range sched.Triggers() {
		logger.Info("trigger scheduled", "trigger", t.Name, "agent_id", t.AgentID, "next", t.Next)
	}

	if opts.ready != nil {
		opts.ready <- addr
		close(opts.ready)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	sctx, cancel := shutdownCtx()
	defer cancel()

	var errs []error
	errs = append(errs, sched.Stop(sctx))
	if srv != nil {
		errs = append(errs, srv.Shutdown(sctx))
	}

	return errors.Join(errs...)
}
