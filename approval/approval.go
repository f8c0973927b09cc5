package approval

import (
	"context"
	"fmt"

	"github.com/hupe1980/opsmesh/core"
)

// Modes accepted by the configuration file.
const (
	ModeAuto        = "auto"
	ModeInteractive = "interactive"
	ModeModel       = "model"
	ModeDeny        = "deny"
)

// Auto approves requests whose level does not exceed MaxLevel.
type Auto struct {
	MaxLevel core.ApprovalLevel
}

// RequestApproval implements core.Approver.
func (a Auto) RequestApproval(ctx context.Context, req core.ApprovalRequest) (core.ApprovalDecision, error) {
	if err := ctx.Err(); err != nil {
		return core.ApprovalDecision{}, err
	}
	if req.Level > a.MaxLevel {
		return core.ApprovalDecision{
			Approved: false,
			Reason:   fmt.Sprintf("level %s exceeds auto approval limit %s", req.Level, a.MaxLevel),
			Approver: "auto",
		}, nil
	}
	return core.ApprovalDecision{Approved: true, Reason: "auto-approved", Approver: "auto"}, nil
}

// Deny rejects every request.
type Deny struct {
	Reason string
}

// RequestApproval implements core.Approver.
func (d Deny) RequestApproval(context.Context, core.ApprovalRequest) (core.ApprovalDecision, error) {
	reason := d.Reason
	if reason == "" {
		reason = "approvals are disabled"
	}
	return core.ApprovalDecision{Approved: false, Reason: reason, Approver: "deny"}, nil
}

// Threshold approves requests up to MaxAuto and forwards the rest to Next.
// Without Next, escalated requests are denied.
type Threshold struct {
	MaxAuto core.ApprovalLevel
	Next    core.Approver
}

// RequestApproval implements core.Approver.
func (t Threshold) RequestApproval(ctx context.Context, req core.ApprovalRequest) (core.ApprovalDecision, error) {
	if req.Level <= t.MaxAuto {
		return Auto{MaxLevel: t.MaxAuto}.RequestApproval(ctx, req)
	}
	if t.Next == nil {
		return core.ApprovalDecision{Approved: false, Reason: "no approver for level " + req.Level.String(), Approver: "threshold"}, nil
	}
	return t.Next.RequestApproval(ctx, req)
}
