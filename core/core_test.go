package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/logging"
)

func TestClampPriority(t *testing.T) {
	assert.Equal(t, DefaultPriority, ClampPriority(0))
	assert.Equal(t, MinPriority, ClampPriority(-4))
	assert.Equal(t, MaxPriority, ClampPriority(42))
	assert.Equal(t, 7, ClampPriority(7))
}

func TestTaskPayloadExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&TaskPayload{}).Expired(now))
	assert.True(t, (&TaskPayload{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&TaskPayload{ExpiresAt: &future}).Expired(now))
}

func TestTaskResultFromAgentResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		res := &AgentResult{Success: true, Data: "ok", ExecutionTime: 3 * time.Millisecond}
		tr := TaskResultFromAgentResult("t1", "a1", res)

		assert.Equal(t, TaskCompleted, tr.Status)
		assert.Equal(t, "ok", tr.Data)
		assert.Equal(t, "a1", tr.AgentID)
		assert.Equal(t, 3*time.Millisecond, tr.ExecutionTime)
		assert.Nil(t, tr.Error)
		assert.True(t, tr.Succeeded())
	})

	t.Run("failure keeps code", func(t *testing.T) {
		res := NewErrorResult(CodeTimeout, "too slow", time.Now(), true)
		tr := TaskResultFromAgentResult("t1", "a1", res)

		assert.Equal(t, TaskFailed, tr.Status)
		require.NotNil(t, tr.Error)
		assert.Equal(t, CodeTimeout, tr.Error.Code)
		assert.Equal(t, "too slow", tr.Error.Message)
		assert.True(t, tr.Error.Recoverable)
	})

	t.Run("nil result", func(t *testing.T) {
		tr := TaskResultFromAgentResult("t1", "a1", nil)
		assert.Equal(t, TaskFailed, tr.Status)
		assert.Equal(t, CodeExecution, tr.Error.Code)
	})
}

func TestParseApprovalLevel(t *testing.T) {
	lvl, err := ParseApprovalLevel("HIGH")
	require.NoError(t, err)
	assert.Equal(t, ApprovalHigh, lvl)
	assert.Equal(t, "high", lvl.String())

	lvl, err = ParseApprovalLevel("")
	require.NoError(t, err)
	assert.Equal(t, ApprovalNone, lvl)

	_, err = ParseApprovalLevel("extreme")
	assert.Error(t, err)
}

func TestAgentConfigValidate(t *testing.T) {
	assert.NoError(t, AgentConfig{ID: "inventory"}.Validate())

	var ve *ValidationError
	err := AgentConfig{}.Validate()
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)

	err = AgentConfig{ID: "x", MaxRetries: -1}.Validate()
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "max_retries", ve.Field)
}

func TestAgentErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("lookup: %w", ErrAgentNotFound)
	ae := NewAgentError(CodeAgentNotFound, cause, false)

	assert.ErrorIs(t, ae, ErrAgentNotFound)
	assert.Contains(t, ae.Error(), CodeAgentNotFound)
	assert.Equal(t, cause.Error(), ae.Message)
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))

	base := errors.New("connection reset")
	err := fmt.Errorf("fetch stock: %w", Transient(base))

	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Recoverable())
	assert.ErrorIs(t, err, base)
}

func TestDataAs(t *testing.T) {
	type stockQuery struct {
		SKU      string `json:"sku"`
		Quantity int    `json:"quantity"`
	}

	got, err := DataAs[stockQuery](stockQuery{SKU: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", got.SKU)

	got, err = DataAs[stockQuery](&stockQuery{SKU: "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", got.SKU)

	got, err = DataAs[stockQuery](map[string]any{"sku": "C", "quantity": 4})
	require.NoError(t, err)
	assert.Equal(t, stockQuery{SKU: "C", Quantity: 4}, got)

	_, err = DataAs[stockQuery](nil)
	assert.Error(t, err)

	_, err = DataAs[stockQuery]("not an object")
	assert.Error(t, err)
}

func TestRunContextReportProgressFillsIdentifiers(t *testing.T) {
	var got *ProgressReport
	task := &TaskPayload{TaskID: "task-1"}
	ctx := WithTask(context.Background(), task)

	rc := NewRunContext(ctx, "agent-1", "Agent", "caller", nil, 1, nil, RunHooks{
		Progress: func(p *ProgressReport) { got = p },
	}, nil)

	rc.ReportProgress(&ProgressReport{Percentage: 40})
	require.NotNil(t, got)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "task-1", got.TaskID)

	_, err := rc.Table("items")
	assert.Error(t, err)
}

func TestRunContextCheckpoint(t *testing.T) {
	gateCalls := 0
	ctx, cancel := context.WithCancel(context.Background())
	rc := NewRunContext(ctx, "a", "A", "", nil, 1, nil, RunHooks{
		Gate: func(context.Context) error { gateCalls++; return nil },
	}, nil)

	require.NoError(t, rc.Checkpoint())
	assert.Equal(t, 1, gateCalls)

	cancel()
	assert.ErrorIs(t, rc.Checkpoint(), context.Canceled)
	assert.Equal(t, 1, gateCalls)
}

func TestRecordCloneAndID(t *testing.T) {
	r := Record{"id": "sku-1", "qty": 3}
	c := r.Clone()
	c["qty"] = 9

	assert.Equal(t, "sku-1", c.ID())
	assert.Equal(t, 3, r["qty"])
	assert.Equal(t, "", Record{"id": 5}.ID())
}

func TestRunContextLogsCarryRunIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: logging.LogLevelDebug, Format: "json", Output: &buf})

	ctx := WithTask(context.Background(), &TaskPayload{TaskID: "task-7"})
	rc := NewRunContext(ctx, "stock-check", "Stock check", "", nil, 2, nil, RunHooks{}, logger)
	rc.LogInfo("checked", "sku", "espresso")

	out := buf.String()
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, `"task_id":"task-7"`)
	assert.Contains(t, out, `"sku":"espresso"`)

	// nil logger is tolerated
	NewRunContext(context.Background(), "a", "A", "", nil, 1, nil, RunHooks{}, nil).LogWarn("dropped")
}
