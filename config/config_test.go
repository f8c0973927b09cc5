package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opsmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, store.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrentInvocations)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigEmptyFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
store:
  driver: sqlite
  path: /tmp/ops.db
approval:
  mode: interactive
  max_auto_level: low
agents:
  - id: inventory
    max_retries: 2
    retry_delay: 250ms
    timeout: 1m
    approval_level: high
  - id: stock-check
    enabled: false
    progress_report_interval: 5s
    concurrency: 4
schedule:
  - name: nightly
    cron: "0 2 * * *"
    agent: inventory
    input:
      store: berlin
    timeout: 10m
inventory:
  large_order_value: 1200.5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "untouched keys keep defaults")
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/ops.db", cfg.Store.Path)
	assert.Equal(t, "interactive", cfg.Approval.Mode)
	assert.InDelta(t, 1200.5, cfg.Inventory.LargeOrderValue, 0.001)
	assert.Equal(t, 3, cfg.Inventory.Concurrency)

	require.Len(t, cfg.Agents, 2)
	inv, err := cfg.Agents[0].CoreConfig()
	require.NoError(t, err)
	assert.Equal(t, core.AgentConfig{
		ID:            "inventory",
		Name:          "inventory",
		MaxRetries:    2,
		RetryDelay:    250 * time.Millisecond,
		Timeout:       time.Minute,
		ApprovalLevel: core.ApprovalHigh,
		Enabled:       true,
	}, inv)

	sc, ok := cfg.Agent("stock-check")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, sc.ProgressReportInterval.D())
	assert.Equal(t, 4, sc.Concurrency)
	scCore, err := sc.CoreConfig()
	require.NoError(t, err)
	assert.False(t, scCore.Enabled)

	require.Len(t, cfg.Schedule, 1)
	assert.Equal(t, 10*time.Minute, cfg.Schedule[0].Timeout.D())
	assert.Equal(t, map[string]any{"store": "berlin"}, cfg.Schedule[0].Input)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "engine:\n  max_concurrency: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrency")
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "agents:\n  - id: a\n    timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"negative engine limit", func(c *Config) { c.Engine.MaxConcurrentInvocations = -1 }, "max_concurrent_invocations"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"file driver without path", func(c *Config) { c.Store.Driver = store.DriverBolt; c.Store.Path = "" }, "store.path"},
		{"bad min priority", func(c *Config) { c.Notify.MinPriority = "urgent" }, "notify.min_priority"},
		{"unknown approval mode", func(c *Config) { c.Approval.Mode = "maybe" }, "approval.mode"},
		{"model mode without provider", func(c *Config) { c.Approval.Mode = "model"; c.Approval.Model.Provider = "" }, "approval.model.provider"},
		{"bad max auto level", func(c *Config) { c.Approval.MaxAutoLevel = "extreme" }, "approval.max_auto_level"},
		{"agent without id", func(c *Config) { c.Agents = []AgentConfig{{}} }, "agents[0]"},
		{"duplicate agent", func(c *Config) { c.Agents = []AgentConfig{{ID: "a"}, {ID: "a"}} }, "duplicate id"},
		{"negative retries", func(c *Config) { c.Agents = []AgentConfig{{ID: "a", MaxRetries: -1}} }, "max_retries"},
		{"bad approval level", func(c *Config) { c.Agents = []AgentConfig{{ID: "a", ApprovalLevel: "huge"}} }, "approval level"},
		{"schedule without name", func(c *Config) { c.Schedule = []ScheduleConfig{{Cron: "@daily", Agent: "a"}} }, "name cannot be empty"},
		{"duplicate schedule", func(c *Config) {
			c.Schedule = []ScheduleConfig{{Name: "n", Cron: "@daily", Agent: "a"}, {Name: "n", Cron: "@daily", Agent: "a"}}
		}, "duplicate name"},
		{"schedule without agent", func(c *Config) { c.Schedule = []ScheduleConfig{{Name: "n", Cron: "@daily"}} }, "agent cannot be empty"},
		{"bad cron", func(c *Config) { c.Schedule = []ScheduleConfig{{Name: "n", Cron: "every day", Agent: "a"}} }, "schedule n"},
		{"negative order value", func(c *Config) { c.Inventory.LargeOrderValue = -1 }, "large_order_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}
