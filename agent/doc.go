// Package agent contains the lifecycle shell every opsmesh agent runs in and
// the parent/child task protocol built on top of it. The package focuses on
// three concerns:
//
//  1. Base lifecycle (BaseAgent): status machine, retry and timeout policy,
//     approval gating and fire-and-forget notifications
//  2. Sub-agent task protocol (SubAgent): one task at a time, progress
//     heartbeat, result reporting to a core.ParentRef, delegation through the
//     registry
//  3. Batch coordination: chunked parallel fan-out and short-circuiting
//     sequential chains
//
// Design principles:
//   - Domain logic lives in a core.Handler; agents never embed business rules
//   - Failures are values: Execute and ExecuteTask always produce a result
//   - Explicit wiring through functional options (registry, store, notifier,
//     approver, observer, logger)
//
// Execution Model:
//   - Execute runs Handler.Run under the agent's retry and timeout policy
//   - ExecuteTask wraps Execute with the task protocol and reports the result
//   - Cancellation is cooperative: handlers observe RunContext.Done and
//     RunContext.Checkpoint
package agent
