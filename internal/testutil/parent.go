package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/opsmesh/core"
)

// RecordingParent is a core.ParentRef that records every callback. It also
// implements ProgressListener, ErrorListener and ParentApprover.
type RecordingParent struct {
	ParentID string

	// Approve decides RequestApprovalFromParent. Nil approves everything.
	Approve func(title string) bool
	// CompleteErr is returned from OnTaskComplete.
	CompleteErr error

	mu        sync.Mutex
	results   []*core.TaskResult
	progress  []*core.ProgressReport
	errs      []error
	approvals []string
	notify    chan *core.TaskResult
}

// NewRecordingParent creates a parent with the given id.
func NewRecordingParent(id string) *RecordingParent {
	return &RecordingParent{ParentID: id, notify: make(chan *core.TaskResult, 128)}
}

func (p *RecordingParent) ID() string   { return p.ParentID }
func (p *RecordingParent) Name() string { return p.ParentID }

// OnTaskComplete implements core.ParentRef.
func (p *RecordingParent) OnTaskComplete(res *core.TaskResult) error {
	p.mu.Lock()
	p.results = append(p.results, res)
	p.mu.Unlock()

	select {
	case p.notify <- res:
	default:
	}

	return p.CompleteErr
}

// OnProgress implements core.ProgressListener.
func (p *RecordingParent) OnProgress(pr *core.ProgressReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, pr)
	return nil
}

// OnError implements core.ErrorListener.
func (p *RecordingParent) OnError(err error, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
	return nil
}

// RequestApprovalFromParent implements core.ParentApprover.
func (p *RecordingParent) RequestApprovalFromParent(_ context.Context, title, _ string, _ any) (bool, error) {
	p.mu.Lock()
	p.approvals = append(p.approvals, title)
	p.mu.Unlock()

	if p.Approve == nil {
		return true, nil
	}
	return p.Approve(title), nil
}

// Results returns a copy of the reported results.
func (p *RecordingParent) Results() []*core.TaskResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*core.TaskResult(nil), p.results...)
}

// Progress returns a copy of the received progress reports.
func (p *RecordingParent) Progress() []*core.ProgressReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*core.ProgressReport(nil), p.progress...)
}

// Errors returns a copy of the received errors.
func (p *RecordingParent) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

// Approvals returns the titles of approval requests.
func (p *RecordingParent) Approvals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.approvals...)
}

// Completed delivers results as they are reported.
func (p *RecordingParent) Completed() <-chan *core.TaskResult { return p.notify }

// ResultOnlyParent implements only the mandatory core.ParentRef methods.
type ResultOnlyParent struct {
	ParentID string

	mu      sync.Mutex
	results []*core.TaskResult
}

func (p *ResultOnlyParent) ID() string   { return p.ParentID }
func (p *ResultOnlyParent) Name() string { return p.ParentID }

// OnTaskComplete implements core.ParentRef.
func (p *ResultOnlyParent) OnTaskComplete(res *core.TaskResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
	return nil
}

// Results returns a copy of the reported results.
func (p *ResultOnlyParent) Results() []*core.TaskResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*core.TaskResult(nil), p.results...)
}
