package core

import "github.com/hupe1980/opsmesh/logging"

// runLogger gives handlers LogDebug/LogInfo/LogWarn/LogError helpers that
// carry the attempt and, for task runs, the task id. The agent id comes with
// the agent's own logger.
type runLogger struct {
	logger logging.Logger
}

func newRunLogger(l logging.Logger, taskID string, attempt int) *runLogger {
	kv := []any{"attempt", attempt}
	if taskID != "" {
		kv = append(kv, "task_id", taskID)
	}
	return &runLogger{logger: logging.With(logging.OrNop(l), kv...)}
}

// Logger returns the scoped logger, for passing to helpers.
func (l *runLogger) Logger() logging.Logger { return l.logger }

func (l *runLogger) LogDebug(msg string, args ...any) { l.logger.Debug(msg, args...) }

func (l *runLogger) LogInfo(msg string, args ...any) { l.logger.Info(msg, args...) }

func (l *runLogger) LogWarn(msg string, args ...any) { l.logger.Warn(msg, args...) }

func (l *runLogger) LogError(msg string, args ...any) { l.logger.Error(msg, args...) }
