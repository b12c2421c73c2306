package graphflow

import "github.com/creastat/graphflow/core"

// HookOutcome is what an Observer's "after" closure is handed once the
// outcome it was registered for is known (spec.md §6: "each hook returns an
// after closure that must be invoked with the outcome").
type HookOutcome struct {
	State core.ReplyState
	Value any
	Err   error
}

// Observer is the four-hook-family collaborator spec.md §6 names: every
// check-in (cache hit or miss alike), the first check-in that installs a
// fresh reply, the point immediately before a node's behavior runs, and the
// point immediately before a CustomActionBehavior's action runs in place of
// the generic before-behavior hook. Each "before" method is invoked
// synchronously at its point in the pipeline and must return quickly; the
// returned closure is invoked once the corresponding outcome is known,
// possibly from a different goroutine. A nil returned closure is a valid
// "I don't need the after notification" no-op.
//
// All methods must never block on engine state; a slow or panicking
// Observer must not be able to stall a GraphCall. Panics from any hook are
// recovered and recorded as unhandled exceptions in the call's FinalState,
// never allowed to fail or delay the pipeline or the abandon signal.
type Observer interface {
	EveryCall(node core.NodeID, memory core.MemoryID) func(HookOutcome)
	FirstCall(node core.NodeID, memory core.MemoryID) func(HookOutcome)
	BeforeBehavior(node core.NodeID, memory core.MemoryID) func(HookOutcome)
	BeforeCustomAction(node core.NodeID, memory core.MemoryID) func(HookOutcome)
}

// NopObserver discards every notification; the default when a caller opens
// a GraphCall without one (spec.md §9's "keep the fast path allocation-free
// when the observer is null" — every hook returns a nil closure, so nothing
// is ever scheduled to wait on a reply's completion).
type NopObserver struct{}

func (NopObserver) EveryCall(core.NodeID, core.MemoryID) func(HookOutcome)          { return nil }
func (NopObserver) FirstCall(core.NodeID, core.MemoryID) func(HookOutcome)          { return nil }
func (NopObserver) BeforeBehavior(core.NodeID, core.MemoryID) func(HookOutcome)     { return nil }
func (NopObserver) BeforeCustomAction(core.NodeID, core.MemoryID) func(HookOutcome) { return nil }

// safeObserve invokes fn against an Observer, recovering a panic into an
// error appended to unhandled rather than letting it escape into the
// engine's own goroutines — grounded on the teacher's per-stage panic
// recovery in pipeline.go's runStage.
func safeObserve(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &observerPanic{value: p}
		}
	}()
	fn()
	return nil
}

type observerPanic struct{ value any }

func (p *observerPanic) Error() string { return "graphflow: observer panicked" }
