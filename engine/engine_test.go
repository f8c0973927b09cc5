package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/agent"
	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/internal/testutil"
	"github.com/hupe1980/opsmesh/registry"
)

func newAgent(t *testing.T, id string, h core.Handler) *agent.BaseAgent {
	t.Helper()
	a, err := agent.NewBaseAgent(core.AgentConfig{ID: id, Enabled: true}, h)
	require.NoError(t, err)
	return a
}

func TestInvoke(t *testing.T) {
	eng := New()
	require.NoError(t, eng.Register(newAgent(t, "echo", &testutil.ScriptedHandler{})))

	id, res, err := eng.Invoke(context.Background(), "echo", map[string]any{"sku": "A-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"sku": "A-1"}, res.Data)
	assert.Empty(t, eng.ActiveInvocations())
}

func TestInvokeUnknownAgent(t *testing.T) {
	eng := New()

	_, _, err := eng.Invoke(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestInvokeFailureIsInResult(t *testing.T) {
	eng := New()
	h := &testutil.ScriptedHandler{RunFn: func(*core.RunContext) (*core.AgentResult, error) {
		return nil, errors.New("boom")
	}}
	require.NoError(t, eng.Register(newAgent(t, "broken", h)))

	_, res, err := eng.Invoke(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, core.CodeExecution, res.Error.Code)
}

func TestRegisterDuplicate(t *testing.T) {
	eng := New()
	require.NoError(t, eng.Register(newAgent(t, "a", &testutil.ScriptedHandler{})))

	err := eng.Register(newAgent(t, "a", &testutil.ScriptedHandler{}))
	require.ErrorIs(t, err, registry.ErrAlreadyRegistered)
}

func TestSharedRegistry(t *testing.T) {
	reg := registry.New()
	eng := New(WithRegistry(reg))
	require.NoError(t, eng.Register(newAgent(t, "a", &testutil.ScriptedHandler{}), registry.WithTags("ops")))

	assert.Same(t, reg, eng.Registry())
	assert.Len(t, reg.FindByTag("ops"), 1)
}

func TestCallbacks(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context, *CallbackContext) error {
		return func(_ context.Context, cb *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name+":"+cb.AgentID)
			return nil
		}
	}

	eng := New(
		WithCallback(NewFunctionCallback(CallbackBeforeInvoke, record("before"))),
		WithCallback(NewFunctionCallback(CallbackOnError, record("error"))),
		WithCallback(NewFunctionCallback(CallbackAfterInvoke, record("after"))),
	)
	require.NoError(t, eng.Register(newAgent(t, "ok", &testutil.ScriptedHandler{})))
	require.NoError(t, eng.Register(newAgent(t, "bad", &testutil.ScriptedHandler{
		RunFn: func(*core.RunContext) (*core.AgentResult, error) { return nil, errors.New("boom") },
	})))

	_, _, err := eng.Invoke(context.Background(), "ok", nil)
	require.NoError(t, err)
	_, _, err = eng.Invoke(context.Background(), "bad", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"before:ok", "after:ok", "before:bad", "error:bad", "after:bad"}, order)
}

func TestBeforeInvokeVeto(t *testing.T) {
	h := &testutil.ScriptedHandler{}
	eng := New(WithCallback(NewFunctionCallback(CallbackBeforeInvoke, func(context.Context, *CallbackContext) error {
		return errors.New("maintenance window")
	})))
	require.NoError(t, eng.Register(newAgent(t, "a", h)))

	_, res, err := eng.Invoke(context.Background(), "a", nil)
	require.ErrorIs(t, err, ErrVetoed)
	assert.Contains(t, err.Error(), "maintenance window")
	assert.Nil(t, res)
	assert.Zero(t, h.RunCalls())
}

func TestAfterInvokeErrorIsIgnored(t *testing.T) {
	eng := New(WithCallback(NewFunctionCallback(CallbackAfterInvoke, func(context.Context, *CallbackContext) error {
		return errors.New("audit sink down")
	})))
	require.NoError(t, eng.Register(newAgent(t, "a", &testutil.ScriptedHandler{})))

	_, res, err := eng.Invoke(context.Background(), "a", 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestMaxConcurrentInvocations(t *testing.T) {
	var running, peak atomic.Int32
	h := &testutil.ScriptedHandler{RunFn: func(rc *core.RunContext) (*core.AgentResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &core.AgentResult{Success: true}, nil
	}}

	eng := New(WithMaxConcurrent(2))
	require.NoError(t, eng.Register(newAgent(t, "a", h)))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, res, err := eng.Invoke(context.Background(), "a", nil)
			assert.NoError(t, err)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 6, h.RunCalls())
}

func TestInvokeWaitingForSlotHonoursContext(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	eng := New(WithMaxConcurrent(1))
	require.NoError(t, eng.Register(newAgent(t, "a", &testutil.ScriptedHandler{RunFn: testutil.Blocking(started, release)})))

	go func() { _, _, _ = eng.Invoke(context.Background(), "a", nil) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := eng.Invoke(ctx, "a", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestStopInvocation(t *testing.T) {
	started := make(chan struct{}, 1)
	eng := New()
	require.NoError(t, eng.Register(newAgent(t, "a", &testutil.ScriptedHandler{RunFn: testutil.Blocking(started, nil)})))

	done := make(chan *core.AgentResult, 1)
	go func() {
		_, res, _ := eng.Invoke(context.Background(), "a", nil)
		done <- res
	}()
	<-started

	active := eng.ActiveInvocations()
	require.Len(t, active, 1)
	require.NoError(t, eng.StopInvocation(active[0]))

	select {
	case res := <-done:
		assert.False(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("invocation was not cancelled")
	}

	require.ErrorIs(t, eng.StopInvocation("unknown"), ErrInvocationNotFound)
}

func TestInvokeTask(t *testing.T) {
	parent := testutil.NewRecordingParent("coordinator")
	sub, err := agent.NewSubAgent(agent.SubAgentConfig{
		AgentConfig:            core.AgentConfig{ID: "stock-check", Enabled: true},
		Parent:                 parent,
		ProgressReportInterval: -1,
	}, &testutil.ScriptedHandler{})
	require.NoError(t, err)

	eng := New()
	require.NoError(t, eng.Register(sub))
	require.NoError(t, eng.Register(newAgent(t, "plain", &testutil.ScriptedHandler{})))

	task := testutil.NewTaskBuilder("check").ID("t1").Data(map[string]any{"x": 1}).Build()

	res, err := eng.InvokeTask(context.Background(), "stock-check", task)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, res.Status)
	assert.Equal(t, map[string]any{"x": 1}, res.Data)
	assert.Len(t, parent.Results(), 1)

	res, err = eng.InvokeTask(context.Background(), "plain", task)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, res.Status)
	assert.Equal(t, "plain", res.AgentID)

	_, err = eng.InvokeTask(context.Background(), "stock-check", nil)
	require.ErrorIs(t, err, core.ErrNilTask)
}

func TestShutdown(t *testing.T) {
	h := &testutil.ScriptedHandler{CleanupFn: func(context.Context) error { return errors.New("flush failed") }}
	eng := New()
	a := newAgent(t, "a", h)
	require.NoError(t, eng.Register(a))

	// Initialize only runs on first execution.
	_, _, err := eng.Invoke(context.Background(), "a", nil)
	require.NoError(t, err)

	err = eng.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.Equal(t, core.StatusStopped, a.Status())

	_, _, err = eng.Invoke(context.Background(), "a", nil)
	require.ErrorIs(t, err, ErrClosed)
}
