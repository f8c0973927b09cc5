package agent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/opsmesh/core"
)

// ExecuteTasksParallel runs tasks in consecutive chunks of concurrency
// tasks. Tasks within a chunk run concurrently; chunks are separated by the
// configured batch delay. results[i] always belongs to tasks[i].
//
// The batch holds the instance's execution slot, so the call is rejected with
// core.ErrTaskInProgress while another task or batch is running. When ctx is
// cancelled between chunks the remaining tasks are not started and receive
// cancelled results. A concurrency <= 0 selects the configured default.
func (s *SubAgent) ExecuteTasksParallel(ctx context.Context, tasks []*core.TaskPayload, concurrency int) ([]*core.TaskResult, error) {
	if concurrency <= 0 {
		concurrency = s.opts.Concurrency
	}

	gen, ok := s.acquire()
	if !ok {
		return nil, core.ErrTaskInProgress
	}
	defer s.release(gen)

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setBatchCancel(gen, cancel)

	results := make([]*core.TaskResult, len(tasks))
	offset := 0

	s.logger.Info("parallel batch started", "tasks", len(tasks), "concurrency", concurrency)

	for i, chunk := range chunkTasks(tasks, concurrency) {
		if i > 0 && s.opts.BatchDelay > 0 {
			select {
			case <-batchCtx.Done():
			case <-time.After(s.opts.BatchDelay):
			}
		}

		if batchCtx.Err() != nil {
			for j := offset; j < len(tasks); j++ {
				results[j] = s.skipTask(tasks[j])
			}
			s.logger.Warn("parallel batch cancelled", "completed", offset, "skipped", len(tasks)-offset)
			break
		}

		var g errgroup.Group
		for j, task := range chunk {
			idx := offset + j
			g.Go(func() error {
				if task == nil {
					results[idx] = core.NewFailedTaskResult("", core.CodeInvalidArgument, core.ErrNilTask.Error(), false, 0)
					return nil
				}
				results[idx] = s.runTask(batchCtx, task)
				return nil
			})
		}
		_ = g.Wait()

		offset += len(chunk)
	}

	return results, nil
}

func (s *SubAgent) setBatchCancel(gen uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.batchCancel = cancel
	}
}

// skipTask produces and reports the cancelled result of a task that never ran.
func (s *SubAgent) skipTask(task *core.TaskPayload) *core.TaskResult {
	if task == nil {
		return core.NewFailedTaskResult("", core.CodeInvalidArgument, core.ErrNilTask.Error(), false, 0)
	}

	res := &core.TaskResult{
		TaskID:      task.TaskID,
		AgentID:     s.ID(),
		Status:      core.TaskCancelled,
		Error:       &core.TaskError{Code: core.CodeTaskCancelled, Message: "batch cancelled before task started"},
		CompletedAt: time.Now(),
	}
	s.finish(task, res)

	return res
}

// chunkTasks splits tasks into consecutive slices of at most size elements.
func chunkTasks(tasks []*core.TaskPayload, size int) [][]*core.TaskPayload {
	if size <= 0 {
		size = 1
	}

	chunks := make([][]*core.TaskPayload, 0, (len(tasks)+size-1)/size)
	for start := 0; start < len(tasks); start += size {
		end := min(start+size, len(tasks))
		chunks = append(chunks, tasks[start:end])
	}

	return chunks
}
