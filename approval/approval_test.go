package approval

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/model"
)

var (
	_ core.Approver = Auto{}
	_ core.Approver = Deny{}
	_ core.Approver = Threshold{}
	_ core.Approver = (*Interactive)(nil)
	_ core.Approver = (*ModelApprover)(nil)
)

func purchaseOrder(level core.ApprovalLevel) core.ApprovalRequest {
	return core.ApprovalRequest{
		AgentID:     "reorder",
		Level:       level,
		Title:       "Purchase order PO-1",
		Description: "Reorder 400 units of A-1",
		Payload:     map[string]any{"sku": "A-1", "qty": 400},
	}
}

func TestAuto(t *testing.T) {
	a := Auto{MaxLevel: core.ApprovalMedium}
	ctx := context.Background()

	d, err := a.RequestApproval(ctx, purchaseOrder(core.ApprovalMedium))
	require.NoError(t, err)
	assert.True(t, d.Approved)

	d, err = a.RequestApproval(ctx, purchaseOrder(core.ApprovalHigh))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "high")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.RequestApproval(cancelled, purchaseOrder(core.ApprovalLow))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeny(t *testing.T) {
	d, err := Deny{}.RequestApproval(context.Background(), purchaseOrder(core.ApprovalLow))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.NotEmpty(t, d.Reason)
}

func TestThreshold(t *testing.T) {
	var escalated []string
	next := core.ApproverFunc(func(_ context.Context, req core.ApprovalRequest) (core.ApprovalDecision, error) {
		escalated = append(escalated, req.Level.String())
		return core.ApprovalDecision{Approved: true, Approver: "manager"}, nil
	})
	th := Threshold{MaxAuto: core.ApprovalLow, Next: next}
	ctx := context.Background()

	d, err := th.RequestApproval(ctx, purchaseOrder(core.ApprovalLow))
	require.NoError(t, err)
	assert.Equal(t, "auto", d.Approver)

	d, err = th.RequestApproval(ctx, purchaseOrder(core.ApprovalCritical))
	require.NoError(t, err)
	assert.Equal(t, "manager", d.Approver)
	assert.Equal(t, []string{"critical"}, escalated)

	d, err = Threshold{MaxAuto: core.ApprovalLow}.RequestApproval(ctx, purchaseOrder(core.ApprovalHigh))
	require.NoError(t, err)
	assert.False(t, d.Approved)
}

func TestInteractive(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		approved bool
	}{
		{"yes", "y\n", true},
		{"long yes", "YES\n", true},
		{"no", "n\n", false},
		{"empty rejects", "\n", false},
		{"retry after invalid", "maybe\ny\n", true},
		{"answer without newline", "y", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			a := NewInteractive(strings.NewReader(tt.input), &out, false)

			d, err := a.RequestApproval(context.Background(), purchaseOrder(core.ApprovalHigh))
			require.NoError(t, err)
			assert.Equal(t, tt.approved, d.Approved)
			assert.Equal(t, "interactive", d.Approver)
			assert.Contains(t, out.String(), "Approval required [high]: Purchase order PO-1")
			assert.Contains(t, out.String(), "Reorder 400 units of A-1")
		})
	}
}

func TestInteractiveInvalidChoiceIsReported(t *testing.T) {
	var out bytes.Buffer
	a := NewInteractive(strings.NewReader("perhaps\nn\n"), &out, false)

	_, err := a.RequestApproval(context.Background(), purchaseOrder(core.ApprovalHigh))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Invalid choice")
}

func TestInteractiveEOF(t *testing.T) {
	a := NewInteractive(strings.NewReader(""), io.Discard, false)

	_, err := a.RequestApproval(context.Background(), purchaseOrder(core.ApprovalHigh))
	require.ErrorIs(t, err, io.EOF)
}

func TestInteractiveHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	a := NewInteractive(pr, &out, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.RequestApproval(ctx, purchaseOrder(core.ApprovalHigh))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestModelApprover(t *testing.T) {
	m := model.NewMockModel("reviewer")
	m.AddResponse("PO-1", "Sure.\n```json\n{\"approved\": true, \"reason\": \"within budget\"}\n```")

	a, err := NewModelApprover(m)
	require.NoError(t, err)

	d, err := a.RequestApproval(context.Background(), purchaseOrder(core.ApprovalHigh))
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "within budget", d.Reason)
	assert.Equal(t, "model:reviewer", d.Approver)

	req := m.Requests()[0]
	assert.Equal(t, DefaultInstructions, req.Instructions)
	prompt := req.LastUserText()
	assert.Contains(t, prompt, "Agent: reorder")
	assert.Contains(t, prompt, "Approval level: high")
	assert.Contains(t, prompt, `"qty":400`)
}

func TestModelApproverCustomPrompt(t *testing.T) {
	m := model.NewMockModel("reviewer")
	m.SetFallback(`{"approved": false, "reason": "no"}`)

	a, err := NewModelApprover(m, func(o *ModelApproverOptions) {
		o.Prompt = "{{ .Title | upper }}"
		o.Instructions = "be strict"
	})
	require.NoError(t, err)

	d, err := a.RequestApproval(context.Background(), purchaseOrder(core.ApprovalLow))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "PURCHASE ORDER PO-1", m.Requests()[0].LastUserText())
	assert.Equal(t, "be strict", m.Requests()[0].Instructions)

	_, err = NewModelApprover(m, func(o *ModelApproverOptions) { o.Prompt = "{{ .Title " })
	require.Error(t, err)
}

func TestModelApproverFailures(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		err    error
	}{
		{"prose only", "I think this is fine", ErrInvalidVerdict},
		{"broken json", `{"approved": tru}`, ErrInvalidVerdict},
		{"missing field", `{"reason": "ok"}`, ErrInvalidVerdict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := model.NewMockModel("reviewer")
			m.SetFallback(tt.answer)
			a, err := NewModelApprover(m)
			require.NoError(t, err)

			_, err = a.RequestApproval(context.Background(), purchaseOrder(core.ApprovalHigh))
			require.ErrorIs(t, err, tt.err)
		})
	}

	m := model.NewMockModel("reviewer")
	m.SetError(errors.New("quota exceeded"))
	a, err := NewModelApprover(m)
	require.NoError(t, err)
	_, err = a.RequestApproval(context.Background(), purchaseOrder(core.ApprovalHigh))
	require.ErrorContains(t, err, "quota exceeded")
}
