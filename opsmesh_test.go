package opsmesh

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/agent"
	"github.com/hupe1980/opsmesh/approval"
	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/notify"
	"github.com/hupe1980/opsmesh/ops/inventory"
	"github.com/hupe1980/opsmesh/store"
)

func TestInvokeRegisteredAgent(t *testing.T) {
	m := New()
	echo := core.HandlerFunc(func(rc *core.RunContext) (*core.AgentResult, error) {
		return core.NewSuccessResult(rc.Input, time.Now()), nil
	})

	_, err := m.NewAgent(core.AgentConfig{ID: "echo", Enabled: true}, echo)
	require.NoError(t, err)

	id, res, err := m.Invoke(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Data)

	_, err = m.NewAgent(core.AgentConfig{ID: "echo", Enabled: true}, echo)
	assert.Error(t, err, "duplicate id")
}

func TestAgentsShareDatabase(t *testing.T) {
	m := New()

	_, err := m.NewAgent(core.AgentConfig{ID: "writer", Enabled: true}, core.HandlerFunc(func(rc *core.RunContext) (*core.AgentResult, error) {
		table, err := rc.Table("notes")
		if err != nil {
			return nil, err
		}
		rec, err := table.Create(rc.Context, core.Record{"text": rc.Input})
		if err != nil {
			return nil, err
		}
		return core.NewSuccessResult(rec.ID(), time.Now()), nil
	}))
	require.NoError(t, err)

	_, res, err := m.Invoke(context.Background(), "writer", "restock shelf 4")
	require.NoError(t, err)
	require.True(t, res.Success)

	rec, err := m.Database().Table("notes").FindByID(context.Background(), res.Data.(string))
	require.NoError(t, err)
	assert.Equal(t, "restock shelf 4", rec["text"])
}

func TestInventoryThroughEngine(t *testing.T) {
	recorder := &notify.Recorder{}
	m := New(func(o *Options) {
		o.Notifier = recorder
		o.Approver = approval.Auto{MaxLevel: core.ApprovalCritical}
	})
	require.NoError(t, inventory.Seed(context.Background(), m.Database(), inventory.DemoStock()))

	cfg := inventory.DefaultConfig()
	cfg.ProgressReportInterval = -1
	coord, err := inventory.New(cfg, m.Registry(), m.AgentOptions(agent.WithBatchDelay(0))...)
	require.NoError(t, err)
	require.NoError(t, m.RegisterAgent(coord))

	_, res, err := m.Invoke(context.Background(), inventory.CoordinatorID, map[string]any{"store": "berlin"})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Error)

	report, err := core.DataAs[inventory.SweepReport](res.Data)
	require.NoError(t, err)
	assert.Len(t, report.Orders, 2)

	task := agent.NewTask(inventory.TaskCheck, inventory.CheckRequest{Store: "berlin", SKU: "paper-cups-500"})
	tr, err := m.InvokeTask(context.Background(), inventory.StockCheckID, task)
	require.NoError(t, err)
	require.True(t, tr.Succeeded())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Len(t, recorder.Sent(), 1)
	assert.Equal(t, core.StatusStopped, coord.Status())
}

func TestOpenDatabase(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		driver string
		path   string
	}{
		{store.DriverMemory, ""},
		{store.DriverSQLite, filepath.Join(dir, "ops.sqlite")},
		{store.DriverBolt, filepath.Join(dir, "ops.bolt")},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			db, err := OpenDatabase(tt.driver, tt.path, time.Second)
			require.NoError(t, err)
			defer db.Close()

			rec, err := db.Table("t").Create(context.Background(), core.Record{"v": "x"})
			require.NoError(t, err)
			assert.NotEmpty(t, rec.ID())
		})
	}

	_, err := OpenDatabase("postgres", "", 0)
	assert.Error(t, err)
}
