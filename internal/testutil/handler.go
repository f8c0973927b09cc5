package testutil

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/opsmesh/core"
)

// ScriptedHandler is a core.Handler driven by a Run function. It counts
// lifecycle calls so tests can assert on them.
type ScriptedHandler struct {
	RunFn     func(rc *core.RunContext) (*core.AgentResult, error)
	InitErrs  []error // returned by successive Initialize calls
	CleanupFn func(ctx context.Context) error

	initCalls    atomic.Int32
	runCalls     atomic.Int32
	cleanupCalls atomic.Int32
}

// Initialize implements core.Handler.
func (h *ScriptedHandler) Initialize(context.Context) error {
	n := int(h.initCalls.Add(1))
	if n <= len(h.InitErrs) {
		return h.InitErrs[n-1]
	}
	return nil
}

// Run implements core.Handler.
func (h *ScriptedHandler) Run(rc *core.RunContext) (*core.AgentResult, error) {
	h.runCalls.Add(1)
	if h.RunFn == nil {
		return &core.AgentResult{Success: true, Data: rc.Input}, nil
	}
	return h.RunFn(rc)
}

// Cleanup implements core.Handler.
func (h *ScriptedHandler) Cleanup(ctx context.Context) error {
	h.cleanupCalls.Add(1)
	if h.CleanupFn != nil {
		return h.CleanupFn(ctx)
	}
	return nil
}

// InitCalls returns how often Initialize ran.
func (h *ScriptedHandler) InitCalls() int { return int(h.initCalls.Load()) }

// RunCalls returns how often Run ran.
func (h *ScriptedHandler) RunCalls() int { return int(h.runCalls.Load()) }

// CleanupCalls returns how often Cleanup ran.
func (h *ScriptedHandler) CleanupCalls() int { return int(h.cleanupCalls.Load()) }

// Blocking returns a Run function that signals started and then waits for
// release or cancellation.
func Blocking(started chan<- struct{}, release <-chan struct{}) func(rc *core.RunContext) (*core.AgentResult, error) {
	return func(rc *core.RunContext) (*core.AgentResult, error) {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return &core.AgentResult{Success: true, Data: rc.Input}, nil
		case <-rc.Done():
			return nil, rc.Err()
		}
	}
}
