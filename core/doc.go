// Package core provides the foundational domain types, interfaces and execution
// contexts used by opsmesh. It defines the core abstractions for:
//
//   - Agents (schedulable units of operational work) and their Handler contract
//   - Tasks and results (TaskPayload, TaskResult, ProgressReport, AgentResult)
//   - The ParentRef protocol a sub-agent uses to report back to its owner
//   - Collaborators consumed by agents (Database, Notifier, Approver, AgentLookup)
//   - RunContext, the per-execution scope handed to a Handler
//
// The package intentionally keeps implementation concerns (lifecycle, retry
// policy, persistence backends, registry storage) out of scope, exposing small
// interfaces so backends and agents can be swapped independently.
package core
