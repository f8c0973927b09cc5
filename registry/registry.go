// Package registry provides the process-wide agent lookup that lets agents
// delegate to each other by id without holding direct references.
//
// A Registry is intentional shared state: the engine owns one and injects it
// into agents through agent.WithRegistry. All methods are safe for concurrent
// use.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/opsmesh/core"
)

// ErrAlreadyRegistered is returned when an agent id is registered twice.
var ErrAlreadyRegistered = errors.New("agent already registered")

// Kind classifies a registered agent.
type Kind string

const (
	KindBase Kind = "base"
	KindSub  Kind = "sub"
)

// Entry is the registration metadata of one agent.
type Entry struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	ParentID     string    `json:"parent_id,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool { return slices.Contains(e.Tags, tag) }

// RegisterOptions carries the optional registration metadata.
type RegisterOptions struct {
	Kind     Kind
	ParentID string
	Tags     []string
}

// WithKind overrides the inferred kind.
func WithKind(k Kind) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Kind = k }
}

// WithParent records the owning coordinator.
func WithParent(parentID string) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.ParentID = parentID }
}

// WithTags attaches lookup tags.
func WithTags(tags ...string) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Tags = append(o.Tags, tags...) }
}

type registration struct {
	agent core.Agent
	entry Entry
}

// Registry maps agent ids to live agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]registration)}
}

// Register adds a. Agents implementing core.TaskExecutor default to KindSub.
func (r *Registry) Register(a core.Agent, optFns ...func(o *RegisterOptions)) error {
	if a == nil {
		return &core.ValidationError{Field: "agent", Message: "must not be nil"}
	}
	if a.ID() == "" {
		return &core.ValidationError{Field: "id", Message: "must not be empty"}
	}

	opts := RegisterOptions{Kind: KindBase}
	if _, ok := a.(core.TaskExecutor); ok {
		opts.Kind = KindSub
	}
	if p, ok := a.(interface{ Parent() core.ParentRef }); ok && p.Parent() != nil {
		opts.ParentID = p.Parent().ID()
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID()]; exists {
		return fmt.Errorf("register %s: %w", a.ID(), ErrAlreadyRegistered)
	}

	r.agents[a.ID()] = registration{
		agent: a,
		entry: Entry{
			AgentID:      a.ID(),
			Name:         a.Name(),
			Kind:         opts.Kind,
			ParentID:     opts.ParentID,
			Tags:         slices.Clone(opts.Tags),
			RegisteredAt: time.Now(),
		},
	}

	return nil
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)

	return true
}

// GetAgent implements core.AgentLookup.
func (r *Registry) GetAgent(id string) (core.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[id]
	return reg.agent, ok
}

// Entry returns the metadata of id.
func (r *Registry) Entry(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[id]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(reg.entry), true
}

// Entries returns all entries sorted by agent id.
func (r *Registry) Entries() []Entry {
	return r.filter(func(Entry) bool { return true })
}

// FindByTag returns the entries carrying tag.
func (r *Registry) FindByTag(tag string) []Entry {
	return r.filter(func(e Entry) bool { return e.HasTag(tag) })
}

// Children returns the entries registered with parentID.
func (r *Registry) Children(parentID string) []Entry {
	return r.filter(func(e Entry) bool { return e.ParentID == parentID })
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) filter(keep func(Entry) bool) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.agents))
	for _, reg := range r.agents {
		if keep(reg.entry) {
			out = append(out, copyEntry(reg.entry))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })

	return out
}

func copyEntry(e Entry) Entry {
	e.Tags = slices.Clone(e.Tags)
	return e
}

var _ core.AgentLookup = (*Registry)(nil)
