package testutil

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/opsmesh/core"
)

// TaskBuilder provides a fluent helper for constructing tasks in tests.
// Example:
//
//	task := NewTaskBuilder("check_stock").ID("t-1").Data(query).Expired().Build()
//
// Chain only the parts you need; sensible defaults are applied.
type TaskBuilder struct {
	task core.TaskPayload
}

// NewTaskBuilder creates a builder with a random id and default priority.
func NewTaskBuilder(taskType string) *TaskBuilder {
	return &TaskBuilder{task: core.TaskPayload{
		TaskID:    uuid.NewString(),
		Type:      taskType,
		Priority:  core.DefaultPriority,
		CreatedAt: time.Now(),
	}}
}

// ID overrides the generated task id (chainable).
func (b *TaskBuilder) ID(id string) *TaskBuilder { b.task.TaskID = id; return b }

// Data sets the payload (chainable).
func (b *TaskBuilder) Data(v any) *TaskBuilder { b.task.Data = v; return b }

// Priority sets the priority without clamping (chainable).
func (b *TaskBuilder) Priority(p int) *TaskBuilder { b.task.Priority = p; return b }

// Parent sets the parent task id (chainable).
func (b *TaskBuilder) Parent(id string) *TaskBuilder { b.task.ParentTaskID = id; return b }

// ExpiresIn sets the expiry relative to now (chainable).
func (b *TaskBuilder) ExpiresIn(d time.Duration) *TaskBuilder {
	at := time.Now().Add(d)
	b.task.ExpiresAt = &at
	return b
}

// Expired sets an expiry in the past (chainable).
func (b *TaskBuilder) Expired() *TaskBuilder { return b.ExpiresIn(-time.Minute) }

// Build returns a copy of the configured task.
func (b *TaskBuilder) Build() *core.TaskPayload {
	t := b.task
	return &t
}

// Tasks builds n tasks of taskType with ids "<prefix>-0" .. "<prefix>-(n-1)"
// carrying their index as data.
func Tasks(taskType, prefix string, n int) []*core.TaskPayload {
	out := make([]*core.TaskPayload, n)
	for i := range n {
		out[i] = NewTaskBuilder(taskType).ID(prefix + "-" + strconv.Itoa(i)).Data(i).Build()
	}
	return out
}
