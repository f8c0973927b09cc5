package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/opsmesh/ops/inventory"
)

// ErrAgentFailed is returned by the run command when the agent reported a
// failure.
var ErrAgentFailed = errors.New("agent execution failed")

func newRunCommand(load configLoader, streams IOStreams) *cobra.Command {
	var (
		input    string
		timeout  time.Duration
		seedDemo bool
	)

	cmd := &cobra.Command{
		Use:   "run <agent-id>",
		Short: "Invoke an agent once and print its result",
		Example: `  # Sweep the berlin store against the demo catalogue
  opsmesh run inventory --seed-demo --input '{"store":"berlin"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			var in any
			if input != "" {
				if err := json.Unmarshal([]byte(input), &in); err != nil {
					return fmt.Errorf("invalid --input: %w", err)
				}
			}

			app, err := NewApp(cfg, streams)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			runErr := func() error {
				if seedDemo {
					if err := inventory.Seed(ctx, app.Mesh.Database(), inventory.DemoStock()); err != nil {
						return err
					}
				}

				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}

				id, res, err := app.Mesh.Invoke(ctx, args[0], in)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(streams.Out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{"invocation_id": id, "result": res}); err != nil {
					return err
				}

				if !res.Success {
					return fmt.Errorf("%w: %s", ErrAgentFailed, res.Error.Message)
				}
				return nil
			}()

			return errors.Join(runErr, app.Close(context.WithoutCancel(ctx)))
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Agent input as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the invocation after this duration")
	cmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "Load the demo stock before running")

	return cmd
}

func newAgentsCommand(load configLoader, streams IOStreams) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			app, err := NewApp(cfg, streams)
			if err != nil {
				return err
			}
			defer app.Close(context.Background()) //nolint:errcheck

			w := tabwriter.NewWriter(streams.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tPARENT\tSTATUS")
			for _, e := range app.Mesh.Registry().Entries() {
				status := ""
				if a, ok := app.Mesh.Registry().GetAgent(e.AgentID); ok {
					status = string(a.Status())
				}
				parent := e.ParentID
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.AgentID, e.Name, e.Kind, parent, status)
			}
			return w.Flush()
		},
	}
}

func newSeedCommand(load configLoader, streams IOStreams) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo stock into the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			app, err := NewApp(cfg, streams)
			if err != nil {
				return err
			}

			items := inventory.DemoStock()
			seedErr := inventory.Seed(context.Background(), app.Mesh.Database(), items)
			if seedErr == nil {
				fmt.Fprintf(streams.Out, "seeded %d stock rows into %s store\n", len(items), cfg.Store.Driver)
			}

			return errors.Join(seedErr, app.Close(context.Background()))
		},
	}
}

func newValidateCommand(load configLoader, streams IOStreams) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			fmt.Fprintf(streams.Out, "configuration valid: %d agents, %d schedules, store %s\n",
				len(cfg.Agents), len(cfg.Schedule), cfg.Store.Driver)
			return nil
		},
	}
}
