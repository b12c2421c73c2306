package graphflow

import (
	"context"
	"sync"

	"github.com/creastat/graphflow/core"
)

// Response is the future-valued result a Behavior hands back to the engine.
// A behavior may complete it synchronously before returning, or stash it
// and complete it later from another goroutine — grounded on the
// promise/outcome pattern of
// _examples/other_examples/01e74bf2_jamestrandung-go-context__memoize-memoize.go.go,
// generalized from a memoized call result to a node's own in-flight
// computation.
type Response struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewResponse creates an uncompleted Response.
func NewResponse() *Response {
	return &Response{done: make(chan struct{})}
}

// Complete resolves the response exactly once; later calls are no-ops. Safe
// to call from a goroutine other than the one that obtained the Response,
// since a behavior may hand work off and complete it later.
func (r *Response) Complete(value any, err error) {
	r.once.Do(func() {
		r.value, r.err = value, err
		close(r.done)
	})
}

// wait blocks until the response completes or ctx is cancelled, whichever
// comes first, reporting which one happened.
func (r *Response) wait(ctx context.Context) (value any, err error, completed bool) {
	select {
	case <-r.done:
		return r.value, r.err, true
	case <-ctx.Done():
		// A response that has already completed is reported as completed
		// even when select happened to pick ctx.Done.
		select {
		case <-r.done:
			return r.value, r.err, true
		default:
		}
		return nil, nil, false
	}
}

// Ready reports whether the response has completed, without blocking. Used
// by a CustomActionBehavior's cancellation watcher to skip invoking the
// cancel action against a response that already finished on its own.
func (r *Response) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// CancelAction is a custom cleanup closure a CustomActionBehavior may hand
// back to the engine; the engine invokes it at most once if a cancellation
// signal fires while the behavior's response is still pending.
type CancelAction func()

// CancelSignalView is the read-only combined call/scope/reply cancellation
// view passed to a CompositeSignalBehavior (spec.md §4.3).
type CancelSignalView interface {
	// Triggered reports whether any of the call signal, the scope signal,
	// or the reply signal has fired.
	Triggered() bool
	// Err returns the reason recorded by the first triggered signal, checked
	// in call, scope (outermost first), reply order, or nil if none has fired.
	Err() error
}

// Behavior is a node's user logic. Exactly one of the three concrete
// variants below is attached to a node via NodeBuilder.WithBehavior; the
// variant chosen determines the node's CancelMode.
type Behavior interface {
	mode() core.CancelMode
}

// PlainBehavior opts into nothing beyond the two mandatory passive checks
// (spec.md §4.3): a pre-priming check and a between-phase check.
type PlainBehavior struct {
	Run func(ctx context.Context, device *DependencyCallingDevice) (*Response, error)
}

func (PlainBehavior) mode() core.CancelMode { return core.CancelModeStandard }

// CompositeSignalBehavior additionally receives a CancelSignalView so the
// behavior can poll the combined cancellation state at points of its own
// choosing (a long internal loop, say) between engine-driven checks.
type CompositeSignalBehavior struct {
	Run func(ctx context.Context, device *DependencyCallingDevice, signal CancelSignalView) (*Response, error)
}

func (CompositeSignalBehavior) mode() core.CancelMode { return core.CancelModeCompositeSignal }

// CustomActionBehavior additionally returns a CancelAction the engine may
// invoke when a cancellation signal fires while the response is pending.
// MayInterrupt, when true, tells the engine it is safe to run that action
// concurrently with the still-running behavior goroutine rather than
// waiting for it to return on its own — the Go rendition of the isolated
// worker-interrupt hook (spec.md §4.3, §9's "Go adaptation" note).
//
// InterruptModifier, when set, brackets the action invocation with a
// pre/post-critical-section pair instead of the engine's no-op default —
// for a node whose own worker-local state must survive the action running
// concurrently with it (spec.md §9).
type CustomActionBehavior struct {
	MayInterrupt      bool
	InterruptModifier InterruptModifier
	Run               func(ctx context.Context, device *DependencyCallingDevice) (*Response, CancelAction, error)
}

func (CustomActionBehavior) mode() core.CancelMode { return core.CancelModeCustomAction }

// InterruptModifier is the Go rendition of spec.md §9's abstract
// pre/post-critical-section interrupt-isolation hook: since a goroutine has
// no OS-thread-style interrupt to save and restore, the engine instead
// brackets every point where a CancelAction might run concurrently with (or
// immediately after) its CustomActionBehavior's own worker with these two
// calls, giving a node a place to isolate whatever worker-local state it
// keeps.
type InterruptModifier interface {
	// PreCriticalSection runs immediately before the engine invokes the
	// node's CancelAction.
	PreCriticalSection()
	// PostCriticalSection runs immediately after that CancelAction returns.
	PostCriticalSection()
}

// NopInterruptModifier is the default InterruptModifier: it isolates
// nothing, matching a CustomActionBehavior that never set one.
type NopInterruptModifier struct{}

func (NopInterruptModifier) PreCriticalSection()  {}
func (NopInterruptModifier) PostCriticalSection() {}
