package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/core"
)

type fakeAgent struct{ id string }

func (a *fakeAgent) ID() string                { return a.id }
func (a *fakeAgent) Name() string              { return "agent " + a.id }
func (a *fakeAgent) Status() core.Status       { return core.StatusIdle }
func (a *fakeAgent) Shutdown(context.Context) error { return nil }
func (a *fakeAgent) Execute(context.Context, any, string) *core.AgentResult {
	return &core.AgentResult{Success: true}
}

type fakeSub struct {
	fakeAgent
	parent core.ParentRef
}

func (s *fakeSub) Parent() core.ParentRef { return s.parent }
func (s *fakeSub) ExecuteTask(context.Context, *core.TaskPayload) (*core.TaskResult, error) {
	return &core.TaskResult{Status: core.TaskCompleted}, nil
}

type parentRef struct{ id string }

func (p parentRef) ID() string                          { return p.id }
func (p parentRef) Name() string                        { return p.id }
func (p parentRef) OnTaskComplete(*core.TaskResult) error { return nil }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	a := &fakeAgent{id: "inventory"}

	require.NoError(t, r.Register(a, WithTags("retail", "stock")))

	got, ok := r.GetAgent("inventory")
	require.True(t, ok)
	assert.Same(t, a, got)

	entry, ok := r.Entry("inventory")
	require.True(t, ok)
	assert.Equal(t, KindBase, entry.Kind)
	assert.Equal(t, "agent inventory", entry.Name)
	assert.True(t, entry.HasTag("stock"))
	assert.False(t, entry.RegisteredAt.IsZero())

	_, ok = r.GetAgent("missing")
	assert.False(t, ok)
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&fakeAgent{id: "a"}))
	assert.ErrorIs(t, r.Register(&fakeAgent{id: "a"}), ErrAlreadyRegistered)
}

func TestRegisterInvalid(t *testing.T) {
	r := New()
	var ve *core.ValidationError
	assert.ErrorAs(t, r.Register(nil), &ve)
	assert.ErrorAs(t, r.Register(&fakeAgent{}), &ve)
}

func TestRegisterInfersSubAgent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&fakeAgent{id: "coordinator"}))
	require.NoError(t, r.Register(&fakeSub{fakeAgent: fakeAgent{id: "stock-check"}, parent: parentRef{id: "coordinator"}}))
	require.NoError(t, r.Register(&fakeSub{fakeAgent: fakeAgent{id: "reorder"}}, WithParent("coordinator"), WithTags("purchasing")))

	entry, _ := r.Entry("stock-check")
	assert.Equal(t, KindSub, entry.Kind)
	assert.Equal(t, "coordinator", entry.ParentID)

	children := r.Children("coordinator")
	require.Len(t, children, 2)
	assert.Equal(t, "reorder", children[0].AgentID)
	assert.Equal(t, "stock-check", children[1].AgentID)

	tagged := r.FindByTag("purchasing")
	require.Len(t, tagged, 1)
	assert.Equal(t, "reorder", tagged[0].AgentID)
}

func TestUnregister(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&fakeAgent{id: "a"}))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, 0, r.Len())
	assert.NoError(t, r.Register(&fakeAgent{id: "a"}))
}

func TestEntriesAreCopies(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&fakeAgent{id: "a"}, WithTags("x")))

	entries := r.Entries()
	entries[0].Tags[0] = "mutated"

	entry, _ := r.Entry("a")
	assert.Equal(t, []string{"x"}, entry.Tags)
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(2)
		id := fmt.Sprintf("agent-%d", i)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Register(&fakeAgent{id: id}))
		}()
		go func() {
			defer wg.Done()
			r.GetAgent(id)
			r.Entries()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
