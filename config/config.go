// Package config loads the opsmesh configuration file.
//
// A missing file is not an error: LoadConfig returns DefaultConfig so the CLI
// works out of the box against the in-memory store.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/opsmesh/approval"
	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/logging"
	"github.com/hupe1980/opsmesh/scheduler"
	"github.com/hupe1980/opsmesh/store"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// EngineConfig configures the invocation engine.
type EngineConfig struct {
	MaxConcurrentInvocations int `yaml:"max_concurrent_invocations"`
}

// StoreConfig selects the record store driver.
type StoreConfig struct {
	// Driver is memory, sqlite or bolt.
	Driver string `yaml:"driver"`
	// Path is the database file for the sqlite and bolt drivers.
	Path string `yaml:"path"`
	// Timeout bounds how long bolt waits for the file lock.
	Timeout Duration `yaml:"timeout"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	Console bool `yaml:"console"`
	Color   bool `yaml:"color"`
	// MinPriority drops notifications below this priority.
	MinPriority string `yaml:"min_priority"`
}

// ModelConfig selects the LLM used by the model approver.
type ModelConfig struct {
	// Provider is anthropic or openai.
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// ApprovalConfig selects how gated actions are approved.
type ApprovalConfig struct {
	// Mode is auto, interactive, model or deny.
	Mode string `yaml:"mode"`
	// MaxAutoLevel is the highest level approved without asking in
	// interactive and model modes.
	MaxAutoLevel string      `yaml:"max_auto_level"`
	Model        ModelConfig `yaml:"model"`
}

// MetricsConfig configures the prometheus endpoint of the serve command.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// AgentConfig is the per-agent policy block.
type AgentConfig struct {
	ID                     string   `yaml:"id"`
	Name                   string   `yaml:"name"`
	MaxRetries             int      `yaml:"max_retries"`
	RetryDelay             Duration `yaml:"retry_delay"`
	Timeout                Duration `yaml:"timeout"`
	ApprovalLevel          string   `yaml:"approval_level"`
	Enabled                *bool    `yaml:"enabled"`
	ProgressReportInterval Duration `yaml:"progress_report_interval"`
	AutoReportResults      *bool    `yaml:"auto_report_results"`
	Concurrency            int      `yaml:"concurrency"`
	BatchDelay             Duration `yaml:"batch_delay"`
}

// CoreConfig converts the block into the agent configuration. Enabled
// defaults to true.
func (a AgentConfig) CoreConfig() (core.AgentConfig, error) {
	level, err := core.ParseApprovalLevel(a.ApprovalLevel)
	if err != nil {
		return core.AgentConfig{}, fmt.Errorf("agent %s: %w", a.ID, err)
	}

	enabled := true
	if a.Enabled != nil {
		enabled = *a.Enabled
	}

	name := a.Name
	if name == "" {
		name = a.ID
	}

	return core.AgentConfig{
		ID:            a.ID,
		Name:          name,
		MaxRetries:    a.MaxRetries,
		RetryDelay:    a.RetryDelay.D(),
		Timeout:       a.Timeout.D(),
		ApprovalLevel: level,
		Enabled:       enabled,
	}, nil
}

// ScheduleConfig binds a cron expression to an agent invocation.
type ScheduleConfig struct {
	Name    string   `yaml:"name"`
	Cron    string   `yaml:"cron"`
	Agent   string   `yaml:"agent"`
	Input   any      `yaml:"input"`
	Timeout Duration `yaml:"timeout"`
}

// InventoryConfig tunes the inventory coordinator.
type InventoryConfig struct {
	// LargeOrderValue is the purchase order value from which approval is
	// requested.
	LargeOrderValue float64 `yaml:"large_order_value"`
	// Concurrency is the stock check fan-out width.
	Concurrency int `yaml:"concurrency"`
	// NotifyChannel is the channel low stock alerts are sent to.
	NotifyChannel string `yaml:"notify_channel"`
}

// Config is the root of the configuration file.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Engine    EngineConfig     `yaml:"engine"`
	Store     StoreConfig      `yaml:"store"`
	Notify    NotifyConfig     `yaml:"notify"`
	Approval  ApprovalConfig   `yaml:"approval"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Agents    []AgentConfig    `yaml:"agents"`
	Schedule  []ScheduleConfig `yaml:"schedule"`
	Inventory InventoryConfig  `yaml:"inventory"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			MaxConcurrentInvocations: 10,
		},
		Store: StoreConfig{
			Driver:  store.DriverMemory,
			Path:    ".opsmesh/opsmesh.db",
			Timeout: Duration(time.Second),
		},
		Notify: NotifyConfig{
			Console:     true,
			MinPriority: string(core.PriorityNormal),
		},
		Approval: ApprovalConfig{
			Mode:         approval.ModeAuto,
			MaxAutoLevel: "medium",
			Model: ModelConfig{
				Provider:  "anthropic",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
		},
		Metrics: MetricsConfig{
			Namespace: "opsmesh",
		},
		Inventory: InventoryConfig{
			LargeOrderValue: 5000,
			Concurrency:     3,
			NotifyChannel:   "inventory",
		},
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults; unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Agent returns the policy block of id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Validate checks the configuration for values the runtime would reject.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}

	if c.Engine.MaxConcurrentInvocations < 0 {
		return fmt.Errorf("engine.max_concurrent_invocations must be >= 0, got %d", c.Engine.MaxConcurrentInvocations)
	}

	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverBolt:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path cannot be empty for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q must be one of: memory, sqlite, bolt", c.Store.Driver)
	}

	switch core.Priority(c.Notify.MinPriority) {
	case "", core.PriorityLow, core.PriorityNormal, core.PriorityHigh, core.PriorityCritical:
	default:
		return fmt.Errorf("notify.min_priority %q must be one of: low, normal, high, critical", c.Notify.MinPriority)
	}

	switch c.Approval.Mode {
	case approval.ModeAuto, approval.ModeInteractive, approval.ModeDeny:
	case approval.ModeModel:
		switch c.Approval.Model.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("approval.model.provider %q must be anthropic or openai", c.Approval.Model.Provider)
		}
	default:
		return fmt.Errorf("approval.mode %q must be one of: auto, interactive, model, deny", c.Approval.Mode)
	}
	if _, err := core.ParseApprovalLevel(c.Approval.MaxAutoLevel); err != nil {
		return fmt.Errorf("approval.max_auto_level: %w", err)
	}

	ids := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		cc, err := a.CoreConfig()
		if err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if ids[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		ids[a.ID] = true
		if a.Concurrency < 0 {
			return fmt.Errorf("agents[%d].concurrency must be >= 0, got %d", i, a.Concurrency)
		}
	}

	names := make(map[string]bool, len(c.Schedule))
	for i, s := range c.Schedule {
		if s.Name == "" {
			return fmt.Errorf("schedule[%d].name cannot be empty", i)
		}
		if names[s.Name] {
			return fmt.Errorf("schedule[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if s.Agent == "" {
			return fmt.Errorf("schedule %s: agent cannot be empty", s.Name)
		}
		if err := scheduler.ValidateSchedule(s.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}

	if c.Inventory.LargeOrderValue < 0 {
		return fmt.Errorf("inventory.large_order_value must be >= 0, got %v", c.Inventory.LargeOrderValue)
	}
	if c.Inventory.Concurrency < 0 {
		return fmt.Errorf("inventory.concurrency must be >= 0, got %d", c.Inventory.Concurrency)
	}

	return nil
}
