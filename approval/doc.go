// Package approval provides core.Approver implementations for gated agent
// actions.
//
//   - Auto approves everything up to a maximum level
//   - Deny rejects everything
//   - Threshold approves low levels itself and escalates the rest
//   - Interactive asks an operator on a terminal
//   - ModelApprover lets a language model decide, answering in JSON
//
// Approvers honour context cancellation but add no timeout of their own;
// callers that need one bound the context.
package approval
