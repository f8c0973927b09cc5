package agent

import (
	"context"

	"github.com/hupe1980/opsmesh/core"
)

// TaskFactory builds the next task of a chain from the data of the previous
// result (nil for the first task). Returning nil ends the chain.
type TaskFactory func(prev any) *core.TaskPayload

// ExecuteTasksSequential runs a chain of tasks one after another. Each task
// starts only after the previous one finished and is built from its result.
// The chain stops at the first task that does not complete; later factories
// are never invoked. The batch holds the instance's execution slot.
func (s *SubAgent) ExecuteTasksSequential(ctx context.Context, factories []TaskFactory) ([]*core.TaskResult, error) {
	gen, ok := s.acquire()
	if !ok {
		return nil, core.ErrTaskInProgress
	}
	defer s.release(gen)

	chainCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setBatchCancel(gen, cancel)

	results := make([]*core.TaskResult, 0, len(factories))

	var prev any
	for step, factory := range factories {
		if chainCtx.Err() != nil {
			s.logger.Warn("sequential chain cancelled", "step", step)
			break
		}

		task := factory(prev)
		if task == nil {
			s.logger.Debug("sequential chain ended by factory", "step", step)
			break
		}

		res := s.runTask(chainCtx, task)
		results = append(results, res)

		if res.Status != core.TaskCompleted {
			s.logger.Warn("sequential chain stopped", "step", step, "task_id", task.TaskID, "status", res.Status)
			break
		}

		prev = res.Data
	}

	return results, nil
}
