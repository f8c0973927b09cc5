// Package engine is the entry point for running opsmesh agents.
//
// An Engine owns a registry of agents and dispatches invocations to them:
//
//	eng := engine.New(engine.WithMaxConcurrent(4), engine.WithLogger(logger))
//	if err := eng.Register(coordinator); err != nil {
//	    return err
//	}
//	invocationID, res, err := eng.Invoke(ctx, "inventory-coordinator", input)
//
// Invoke runs the agent synchronously under a bounded number of concurrent
// invocations. Each invocation is tracked so StopInvocation can cancel it from
// another goroutine. InvokeTask does the same for agents that speak the
// sub-agent task protocol.
//
// # Callbacks
//
// Callbacks hook into every invocation:
//
//   - before_invoke runs first; an error vetoes the invocation (ErrVetoed)
//   - on_error runs when the agent reports a failure
//   - after_invoke runs last, for successes and failures alike
//
// Errors from on_error and after_invoke are logged and otherwise ignored.
//
// # Shutdown
//
// Shutdown stops accepting invocations, cancels running ones and calls
// Shutdown on every registered agent.
package engine
