package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/agent"
	"github.com/hupe1980/opsmesh/core"
	itestutil "github.com/hupe1980/opsmesh/internal/testutil"
)

func TestObserverRecordsExecutions(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver("", reg)
	require.NoError(t, err)

	o.ExecutionStarted("stock-check")
	assert.Equal(t, 1.0, testutil.ToFloat64(o.activeExecution.WithLabelValues("stock-check")))

	o.ExecutionFinished("stock-check", true, 150*time.Millisecond)
	o.ExecutionStarted("stock-check")
	o.ExecutionFinished("stock-check", false, time.Second)
	o.ExecutionRetried("stock-check", 2)
	o.TaskFinished("stock-check", "check", core.TaskCompleted, time.Second)
	o.ProgressReported("stock-check")

	assert.Equal(t, 0.0, testutil.ToFloat64(o.activeExecution.WithLabelValues("stock-check")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.executions.WithLabelValues("stock-check", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.executions.WithLabelValues("stock-check", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.retries.WithLabelValues("stock-check")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.tasks.WithLabelValues("stock-check", "check", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.progress.WithLabelValues("stock-check")))

	expected := `
# HELP opsmesh_agent_retries_total Retried execution attempts.
# TYPE opsmesh_agent_retries_total counter
opsmesh_agent_retries_total{agent="stock-check"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "opsmesh_agent_retries_total"))
}

func TestObserverSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewObserver("ops", reg)
	require.NoError(t, err)
	second, err := NewObserver("ops", reg)
	require.NoError(t, err)

	first.ProgressReported("a")
	second.ProgressReported("a")

	assert.Equal(t, 2.0, testutil.ToFloat64(first.progress.WithLabelValues("a")))
}

func TestNilObserver(t *testing.T) {
	var o *Observer
	assert.NotPanics(t, func() {
		o.ExecutionStarted("a")
		o.ExecutionFinished("a", true, time.Second)
		o.ExecutionRetried("a", 1)
		o.TaskFinished("a", "t", core.TaskFailed, time.Second)
		o.ProgressReported("a")
	})
}

func TestObserverWiredIntoAgent(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := MustNewObserver("", reg)

	calls := 0
	h := &itestutil.ScriptedHandler{RunFn: func(*core.RunContext) (*core.AgentResult, error) {
		calls++
		if calls == 1 {
			return nil, core.Transient(errors.New("supplier api timeout"))
		}
		return &core.AgentResult{Success: true}, nil
	}}

	a, err := agent.NewBaseAgent(core.AgentConfig{ID: "reorder", Enabled: true, MaxRetries: 2}, h, agent.WithObserver(o))
	require.NoError(t, err)

	res := a.Execute(context.Background(), nil, "test")
	require.True(t, res.Success)

	assert.Equal(t, 1.0, testutil.ToFloat64(o.executions.WithLabelValues("reorder", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.retries.WithLabelValues("reorder")))
	assert.Equal(t, 1, testutil.CollectAndCount(o.executionTime))
}
