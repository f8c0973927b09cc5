// Package cli implements the opsmesh command line.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/opsmesh/config"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// EnvPrefix prefixes the environment variables bound to the global flags,
// for example OPSMESH_STORE_DRIVER.
const EnvPrefix = "OPSMESH"

// Global flag names.
const (
	flagConfig      = "config"
	flagLogLevel    = "log-level"
	flagStoreDriver = "store-driver"
	flagStorePath   = "store-path"
)

// NewDefaultCommand creates the root command wired to the process streams.
func NewDefaultCommand() *cobra.Command {
	return NewRootCommand(IOStreams{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr})
}

// NewRootCommand creates and returns the root cobra command for opsmesh.
func NewRootCommand(streams IOStreams) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "opsmesh",
		Short: "Agent task orchestration for retail operations",
		Long: `opsmesh runs operational agents (inventory sweeps, replenishment,
supplier quotes) on demand or on a cron schedule.

Agents are configured in a YAML file; global flags and OPSMESH_* environment
variables override the store and log settings of that file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetIn(streams.In)
	cmd.SetOut(streams.Out)
	cmd.SetErr(streams.ErrOut)

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "opsmesh.yaml", "Path to the configuration file")
	flags.String(flagLogLevel, "", "Log level (debug, info, warn, error)")
	flags.String(flagStoreDriver, "", "Record store driver (memory, sqlite, bolt)")
	flags.String(flagStorePath, "", "Record store file for the sqlite and bolt drivers")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	loader := func() (*config.Config, error) { return loadConfig(v) }

	cmd.AddCommand(newRunCommand(loader, streams))
	cmd.AddCommand(newServeCommand(loader, streams))
	cmd.AddCommand(newAgentsCommand(loader, streams))
	cmd.AddCommand(newSeedCommand(loader, streams))
	cmd.AddCommand(newValidateCommand(loader, streams))

	return cmd
}

type configLoader func() (*config.Config, error)

// loadConfig reads the configuration file and applies flag and environment
// overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadConfig(v.GetString(flagConfig))
	if err != nil {
		return nil, err
	}

	if s := v.GetString(flagLogLevel); s != "" {
		cfg.Log.Level = s
	}
	if s := v.GetString(flagStoreDriver); s != "" {
		cfg.Store.Driver = s
	}
	if s := v.GetString(flagStorePath); s != "" {
		cfg.Store.Path = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
