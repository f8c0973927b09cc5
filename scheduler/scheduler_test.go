package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/core"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	inputs  []any
	block   chan struct{}
	running atomic.Int32
	peak    atomic.Int32
	err     error
}

func (f *fakeInvoker) Invoke(ctx context.Context, agentID string, input any) (string, *core.AgentResult, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	if n > f.peak.Load() {
		f.peak.Store(n)
	}

	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "inv", &core.AgentResult{Success: false, Error: &core.AgentError{Code: core.CodeTimeout}}, nil
		}
	}
	if f.err != nil {
		return "", nil, f.err
	}
	return "inv", &core.AgentResult{Success: true, Data: input}, nil
}

func (f *fakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestAddValidates(t *testing.T) {
	s := New(&fakeInvoker{})

	require.NoError(t, s.Add(Trigger{Name: "nightly", Schedule: "0 2 * * *", AgentID: "inventory"}))
	require.ErrorIs(t, s.Add(Trigger{Name: "nightly", Schedule: "0 3 * * *", AgentID: "inventory"}), ErrDuplicateTrigger)

	var verr *core.ValidationError
	require.ErrorAs(t, s.Add(Trigger{Schedule: "* * * * *", AgentID: "a"}), &verr)
	require.ErrorAs(t, s.Add(Trigger{Name: "x", Schedule: "* * * * *"}), &verr)

	err := s.Add(Trigger{Name: "bad", Schedule: "every tuesday", AgentID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")

	// Seconds are not part of the format.
	require.Error(t, s.Add(Trigger{Name: "sec", Schedule: "*/5 * * * * *", AgentID: "a"}))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/15 8-18 * * 1-5"))
	assert.NoError(t, ValidateSchedule("@hourly"))
	assert.NoError(t, ValidateSchedule("@every 10m"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
}

func TestTriggersAndRemove(t *testing.T) {
	s := New(&fakeInvoker{})
	require.NoError(t, s.Add(Trigger{Name: "b", Schedule: "@hourly", AgentID: "x"}))
	require.NoError(t, s.Add(Trigger{Name: "a", Schedule: "@daily", AgentID: "y"}))

	triggers := s.Triggers()
	require.Len(t, triggers, 2)
	assert.Equal(t, "a", triggers[0].Name)
	assert.Equal(t, "b", triggers[1].Name)

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Len(t, s.Triggers(), 1)
}

func TestStartedTriggersHaveNextRun(t *testing.T) {
	s := New(&fakeInvoker{})
	require.NoError(t, s.Add(Trigger{Name: "hourly", Schedule: "@hourly", AgentID: "x"}))

	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Eventually(t, func() bool {
		return !s.Triggers()[0].Next.IsZero()
	}, time.Second, 10*time.Millisecond)
}

func TestRunNow(t *testing.T) {
	inv := &fakeInvoker{}
	var results []string
	s := New(inv, func(o *Options) {
		o.OnResult = func(name string, res *core.AgentResult, err error) {
			results = append(results, name)
		}
	})
	require.NoError(t, s.Add(Trigger{Name: "restock", Schedule: "@daily", AgentID: "inventory", Input: map[string]any{"store": "berlin"}}))

	res, err := s.RunNow(context.Background(), "restock")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"store": "berlin"}, res.Data)
	assert.Equal(t, []string{"inventory"}, inv.Calls())
	assert.Equal(t, []string{"restock"}, results)

	_, err = s.RunNow(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestRunNowPropagatesInvokerError(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("agent not found")}
	s := New(inv)
	require.NoError(t, s.Add(Trigger{Name: "t", Schedule: "@daily", AgentID: "ghost"}))

	_, err := s.RunNow(context.Background(), "t")
	require.EqualError(t, err, "agent not found")
}

func TestTriggerTimeout(t *testing.T) {
	inv := &fakeInvoker{block: make(chan struct{})}
	s := New(inv, func(o *Options) { o.TriggerTimeout = 20 * time.Millisecond })
	require.NoError(t, s.Add(Trigger{Name: "slow", Schedule: "@daily", AgentID: "x"}))

	res, err := s.RunNow(context.Background(), "slow")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, core.CodeTimeout, res.Error.Code)
}

func TestScheduledRunsSkipWhileRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for cron ticks")
	}

	inv := &fakeInvoker{block: make(chan struct{})}
	s := New(inv)
	require.NoError(t, s.Add(Trigger{Name: "tick", Schedule: "@every 1s", AgentID: "x"}))

	s.Start(context.Background())

	require.Eventually(t, func() bool { return len(inv.Calls()) == 1 }, 3*time.Second, 20*time.Millisecond)

	// Further ticks fire while the first run is still blocked.
	time.Sleep(2200 * time.Millisecond)
	assert.Len(t, inv.Calls(), 1)
	assert.Equal(t, int32(1), inv.peak.Load())

	// Stop cancels the blocked run and waits for it.
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(0), inv.running.Load())
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(&fakeInvoker{})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		return s.runCtx.Err() != nil
	}, time.Second, 10*time.Millisecond)
}
