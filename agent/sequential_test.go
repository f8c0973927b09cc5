package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/internal/testutil"
)

func TestExecuteTasksSequential_StopsAtFirstFailure(t *testing.T) {
	h := &testutil.ScriptedHandler{
		RunFn: func(rc *core.RunContext) (*core.AgentResult, error) {
			if rc.Input == "fail" {
				return nil, errors.New("reorder rejected by supplier")
			}
			return &core.AgentResult{Success: true, Data: "checked"}, nil
		},
	}
	s := newSub(t, subConfig("a", testutil.NewRecordingParent("p")), h)

	var (
		prevSeen  []any
		f3Invoked bool
	)
	factories := []TaskFactory{
		func(prev any) *core.TaskPayload {
			prevSeen = append(prevSeen, prev)
			return NewTask("check", "ok")
		},
		func(prev any) *core.TaskPayload {
			prevSeen = append(prevSeen, prev)
			return NewTask("reorder", "fail")
		},
		func(any) *core.TaskPayload {
			f3Invoked = true
			return NewTask("notify", nil)
		},
	}

	results, err := s.ExecuteTasksSequential(context.Background(), factories)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, core.TaskCompleted, results[0].Status)
	assert.Equal(t, core.TaskFailed, results[1].Status)
	assert.False(t, f3Invoked)
	assert.Equal(t, []any{nil, "checked"}, prevSeen)
}

func TestExecuteTasksSequential_NilTaskEndsChain(t *testing.T) {
	s := newSub(t, subConfig("a", testutil.NewRecordingParent("p")), &testutil.ScriptedHandler{})

	called := 0
	results, err := s.ExecuteTasksSequential(context.Background(), []TaskFactory{
		func(any) *core.TaskPayload { called++; return NewTask("a", 1) },
		func(any) *core.TaskPayload { called++; return nil },
		func(any) *core.TaskPayload { called++; return NewTask("c", 3) },
	})

	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 2, called)
}

func TestExecuteTasksSequential_ApprovalRejectionHaltsChain(t *testing.T) {
	deny := core.ApproverFunc(func(context.Context, core.ApprovalRequest) (core.ApprovalDecision, error) {
		return core.ApprovalDecision{Approved: false}, nil
	})

	var s *SubAgent
	h := &testutil.ScriptedHandler{
		RunFn: func(rc *core.RunContext) (*core.AgentResult, error) {
			if err := s.RequireApproval(rc.Context, core.ApprovalMedium, "purchase order", "", rc.Input); err != nil {
				return nil, err
			}
			return &core.AgentResult{Success: true}, nil
		},
	}
	cfg := subConfig("a", testutil.NewRecordingParent("p"))
	cfg.ApprovalLevel = core.ApprovalHigh
	cfg.MaxRetries = 3
	s = newSub(t, cfg, h, WithApprover(deny))

	results, err := s.ExecuteTasksSequential(context.Background(), []TaskFactory{
		func(any) *core.TaskPayload { return NewTask("po", 500) },
		func(any) *core.TaskPayload { t.Fatal("second step must not run"); return nil },
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.TaskFailed, results[0].Status)
	assert.False(t, results[0].Error.Recoverable)
	assert.Contains(t, results[0].Error.Message, "approval rejected")
	assert.Equal(t, 1, h.RunCalls())
}

func TestExecuteTasksSequential_CancelledContext(t *testing.T) {
	s := newSub(t, subConfig("a", testutil.NewRecordingParent("p")), &testutil.ScriptedHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoked := false
	results, err := s.ExecuteTasksSequential(ctx, []TaskFactory{
		func(any) *core.TaskPayload { invoked = true; return NewTask("a", nil) },
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.False(t, invoked)
}
