// Package engine provides the lazy, validity-tracked dataflow core of lazyflow.
//
// # Overview
//
// A model is a set of components connected output-to-input. Each component
// declares typed input and output ports in a PortRegistry and supplies compute
// logic. Running a component recomputes only what downstream consumers need and
// reuses cached values otherwise.
//
// The core is made of four parts:
//
//   - PortRegistry: the static set of named, typed ports of a component
//   - ConnectionGraph: directed edges from outputs to inputs, one source per input
//   - ValidityTracker: a freshness flag per port and the invalidation cascade
//   - LazyExecutor: one execution pass of one component
//
// Model ties them together and runs components in workflow order.
//
// # Validity
//
// Inputs start valid holding their default; outputs start invalid. Setting an
// input always invalidates it, which invalidates every output of its component
// and, along connections, every downstream input. The cascade stops at inputs
// that are already invalid.
//
// # Execution pass
//
// LazyExecutor.Run moves through Idle, EvaluateNeed, Compute and Reconcile to
// Done or Error:
//
//  1. Pull: inputs fed by a connection that never delivered a value, or that
//     are invalid, take the current value of their source.
//  2. EvaluateNeed: compute runs only if an input is invalid or a connected
//     output (one with at least one outgoing connection) is invalid.
//  3. Compute: compute logic receives the connected outputs as a hint and
//     writes any subset of outputs. Each write marks that output valid.
//  4. Reconcile: a connected output that is still invalid is an error,
//     ErrCodeConnectedOutputNotComputed.
//  5. On success all inputs are marked valid.
//
// Connecting a new consumer to an invalid output therefore forces that output
// to be computed on the next run, while an output nobody consumes can stay
// stale indefinitely.
//
// # Example
//
//	reg := engine.NewPortRegistry()
//	_ = reg.AddInput("a", cty.Number, cty.NilVal)
//	_ = reg.AddOutput("x", cty.Number, cty.NilVal)
//	comp, _ := engine.NewComponent("t", reg, engine.ComputeFunc(
//	    func(ctx context.Context, p *engine.Pass) error {
//	        a, _ := p.Float("a")
//	        return p.SetFloat("x", a+1)
//	    }))
//
//	m := engine.NewModel("demo")
//	_ = m.Add(comp)
//	_ = m.SetGo("t.a", 1)
//	_, err := m.Run(ctx)
//
// # Errors
//
// All errors are *EngineError values with a class (transient, permanent, ...)
// and a code that identifies the kind: ErrCodeConnectedOutputNotComputed,
// ErrCodeDuplicateDestination, ErrCodeUpstreamInvalid, ErrCodeCycle and so on.
// Use IsCode, IsRetryable and the Is* helpers instead of matching messages.
package engine
