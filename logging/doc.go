// Package logging provides a minimal logging interface and adapters for opsmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn,
// Error) that agents, the engine and the scheduler use for observability.
// Arguments after the message are slog-style key/value pairs. This package
// includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NewLogger building a JSON or text slog handler from a Config
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(logging.Config{Level: logging.LogLevelInfo, Format: "text"})
//	sub := agent.NewSubAgent(cfg, handler, agent.WithLogger(logger))
package logging
