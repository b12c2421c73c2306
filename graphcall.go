package graphflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/creastat/graphflow/core"

	"github.com/creastat/graphflow/internal/telemetry"
)

// GraphCall is one execution of a Graph: it owns the root memory and
// scope, the outstanding-reply ledger, and the call-level cancellation
// signal (spec.md §4.5, §6). Call open -> WeaklyClose (or Abandon) ->
// final/abandoned is the lifecycle spec.md describes; Go renders it as a
// struct with explicit state rather than a class hierarchy.
type GraphCall struct {
	graph    *Graph
	pool     WorkerPool
	logger   telemetry.Logger
	observer Observer

	signal *cancelSignal

	nextMemoryID   uint64
	nextScopeID    uint64
	nextConsumerID uint64

	rootMemory *Memory
	rootScope  *MemoryScope

	mu              sync.Mutex
	cond            *sync.Cond
	outstanding     map[*Reply]struct{}
	rootReplies     map[*Reply]struct{}
	allReplies      []*Reply
	weaklyDone      bool
	rootSignalFired bool
	pendingHooks    int
	unhandled       []error
}

// errAllRootsComplete is the reason recorded on a call signal triggered
// automatically once every root reply has completed after WeaklyClose was
// called (spec.md §4.5: "as soon as every root reply completes, the engine
// triggers the call cancel signal").
var errAllRootsComplete = fmt.Errorf("graphflow: all root replies completed")

// errCallSignalTriggeredExplicitly is the reason recorded when a caller
// triggers the call signal directly via TriggerCancelSignal rather than the
// engine triggering it automatically or via Abandon.
var errCallSignalTriggeredExplicitly = fmt.Errorf("graphflow: call cancel signal triggered explicitly")

// GraphCallOption configures optional collaborators at Open time.
type GraphCallOption func(*GraphCall)

// WithWorkerPool overrides the default GoWorkerPool.
func WithWorkerPool(pool WorkerPool) GraphCallOption {
	return func(c *GraphCall) { c.pool = pool }
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger telemetry.Logger) GraphCallOption {
	return func(c *GraphCall) { c.logger = logger }
}

// Open begins a new call over graph, building the root memory from input
// via factory, and returns the call ready for Invoke (spec.md §6's
// `GraphCall::open(graph, memory_factory, input, observer)`).
func Open(graph *Graph, factory MemoryFactory, input any, observer Observer, opts ...GraphCallOption) (*GraphCall, error) {
	if observer == nil {
		observer = NopObserver{}
	}
	call := &GraphCall{
		graph:       graph,
		pool:        GoWorkerPool{},
		logger:      telemetry.Nop(),
		observer:    observer,
		signal:      newCancelSignal(),
		outstanding: make(map[*Reply]struct{}),
		rootReplies: make(map[*Reply]struct{}),
	}
	call.cond = sync.NewCond(&call.mu)
	for _, opt := range opts {
		opt(call)
	}
	call.logger = call.logger.WithModule("executor")

	rootInput, err := factory(context.Background(), input)
	if err != nil {
		return nil, fmt.Errorf("graphflow: root memory factory failed: %w", err)
	}
	call.rootScope = newRootScope(core.ScopeID(call.nextScope()))
	call.rootMemory = newMemory(core.MemoryID(call.nextMemory()), graph.rootKind, rootInput, call.rootScope, nil)
	return call, nil
}

func (c *GraphCall) nextMemory() uint64   { return atomic.AddUint64(&c.nextMemoryID, 1) }
func (c *GraphCall) nextScope() uint64    { return atomic.AddUint64(&c.nextScopeID, 1) }
func (c *GraphCall) nextConsumer() consumerID {
	return consumerID(atomic.AddUint64(&c.nextConsumerID, 1))
}

// RootMemory returns the call's root memory.
func (c *GraphCall) RootMemory() *Memory { return c.rootMemory }

// Invoke checks a root node into the call's root memory, returning its
// memoized Reply. node must be one of the graph's declared roots. Refused,
// best-effort, once WeaklyClose has been called (spec.md §4.5's "further
// root invocations are refused (best-effort)") — a lifecycle violation, not
// fatal to any work already outstanding.
func (c *GraphCall) Invoke(node *Node) (*Reply, error) {
	if _, ok := c.graph.ids[node]; !ok {
		return nil, fmt.Errorf("graphflow: node %q is not part of this call's graph", node.role)
	}
	if !c.graph.isRoot(node) {
		return nil, fmt.Errorf("graphflow: node %q is not a declared root", node.role)
	}
	c.mu.Lock()
	closed := c.weaklyDone
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("graphflow: call is weakly-closed, node %q was not invoked", node.role)
	}
	consumer := c.nextConsumer()
	reply := checkIn(c, c.rootMemory, node, consumer)

	c.mu.Lock()
	c.rootReplies[reply] = struct{}{}
	c.maybeSignalRootsCompleteLocked()
	c.mu.Unlock()

	return reply, nil
}

// TriggerCancelSignal triggers the call-level cancellation signal directly
// (spec.md §6's `call.trigger_cancel_signal()`). Every node invocation polls
// the call signal alongside its own scope signals, so it reaches nodes in
// every scope of the call; it triggers no reply signal. Idempotent like
// every cancelSignal.
func (c *GraphCall) TriggerCancelSignal() {
	c.logger.Debug("cancellation trigger", telemetry.String("source", "explicit"))
	c.signal.trigger(errCallSignalTriggeredExplicitly)
}

func (c *GraphCall) registerOutstanding(r *Reply) {
	c.mu.Lock()
	c.outstanding[r] = struct{}{}
	c.allReplies = append(c.allReplies, r)
	c.mu.Unlock()
}

func (c *GraphCall) finishOutstanding(r *Reply) {
	c.mu.Lock()
	delete(c.outstanding, r)
	if _, isRoot := c.rootReplies[r]; isRoot {
		c.maybeSignalRootsCompleteLocked()
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// maybeSignalRootsCompleteLocked triggers the call signal, at most once,
// once WeaklyClose has been called and every root reply invoked so far has
// completed. Callers must hold c.mu.
func (c *GraphCall) maybeSignalRootsCompleteLocked() {
	if !c.weaklyDone || c.rootSignalFired || len(c.rootReplies) == 0 {
		return
	}
	for r := range c.rootReplies {
		if !r.Ready() {
			return
		}
	}
	c.rootSignalFired = true
	c.logger.Debug("cancellation trigger", telemetry.String("source", "all-roots-complete"))
	c.signal.trigger(errAllRootsComplete)
}

// beginHook/endHook track observer after-closure goroutines scheduled from
// checkIn, which complete independently of the reply they watch and are not
// themselves outstanding-ledger entries. WeaklyClose must not return while
// one is still running, or a FinalState could be missing an unhandled
// exception an after-closure was about to raise.
func (c *GraphCall) beginHook() {
	c.mu.Lock()
	c.pendingHooks++
	c.mu.Unlock()
}

func (c *GraphCall) endHook() {
	c.mu.Lock()
	c.pendingHooks--
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *GraphCall) recordUnhandled(err error) {
	c.logger.Error("unhandled exception", telemetry.Err(err))
	c.mu.Lock()
	c.unhandled = append(c.unhandled, err)
	c.mu.Unlock()
}

// safeHook runs a before-hook lookup against the observer, recovering a
// panic into the unhandled list, and returns whatever after-closure the
// hook produced (nil on panic or when the observer declines the hook).
func (c *GraphCall) safeHook(run func() func(HookOutcome)) func(HookOutcome) {
	var after func(HookOutcome)
	if err := safeObserve(func() { after = run() }); err != nil {
		c.recordUnhandled(err)
		return nil
	}
	return after
}

func (c *GraphCall) observeEveryCall(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	return c.safeHook(func() func(HookOutcome) { return c.observer.EveryCall(node, memory) })
}

func (c *GraphCall) observeFirstCall(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	return c.safeHook(func() func(HookOutcome) { return c.observer.FirstCall(node, memory) })
}

func (c *GraphCall) observeBeforeBehavior(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	return c.safeHook(func() func(HookOutcome) { return c.observer.BeforeBehavior(node, memory) })
}

func (c *GraphCall) observeBeforeCustomAction(node core.NodeID, memory core.MemoryID) func(HookOutcome) {
	return c.safeHook(func() func(HookOutcome) { return c.observer.BeforeCustomAction(node, memory) })
}

// runAfterHook invokes an after-closure with r's outcome once r has
// completed, recovering a panic into the unhandled list.
func (c *GraphCall) runAfterHook(after func(HookOutcome), r *Reply) {
	r.mu.Lock()
	outcome := HookOutcome{State: r.state, Value: r.value, Err: r.err}
	r.mu.Unlock()
	c.runAfterHookValue(after, outcome)
}

func (c *GraphCall) runAfterHookValue(after func(HookOutcome), outcome HookOutcome) {
	if err := safeObserve(func() { after(outcome) }); err != nil {
		c.recordUnhandled(err)
	}
}

// forwardObligations is a placeholder hook for Graph-lifetime replies: the
// obligation to await a reply's own dependency-calls is already carried on
// the reply itself (Reply.obligations) and consulted directly by any
// NodeForAll ancestor's waiting phase, so no separate ledger bookkeeping is
// required here beyond what registerOutstanding/finishOutstanding already
// track for WeaklyClose.
func (c *GraphCall) forwardObligations(*Reply) {}

// WeaklyClose marks the call as refusing further root invocations
// (best-effort) and blocks until every reply registered on the outstanding
// ledger — including ones registered by a root Invoke call made concurrently
// with or just before this call — has completed, then returns a FinalState
// snapshot (spec.md §4.5, §6). Waiting on a condition variable rather than a
// one-shot channel avoids a premature-completion race: the outstanding count
// can transiently reach zero between two sequential root invocations, and a
// one-shot "close once empty" signal would let WeaklyClose return before a
// later root's subgraph has even started.
func (c *GraphCall) WeaklyClose() *core.FinalState {
	c.mu.Lock()
	c.weaklyDone = true
	c.maybeSignalRootsCompleteLocked()
	for len(c.outstanding) > 0 || c.pendingHooks > 0 {
		c.cond.Wait()
	}
	unhandled := append([]error(nil), c.unhandled...)
	replies := append([]*Reply(nil), c.allReplies...)
	c.mu.Unlock()

	outcomes, ignored := c.snapshotOutcomes(replies)
	return &core.FinalState{
		Outcomes:            outcomes,
		Ignored:             ignored,
		UnhandledExceptions: unhandled,
		IsAbandoned:         false,
	}
}

// Abandon triggers the call-level cancellation signal and returns a
// best-effort snapshot of whatever is known at that instant (spec.md
// §4.5, §6). It never blocks on outstanding work finishing.
func (c *GraphCall) Abandon(reason error) *core.AbandonedState {
	if reason == nil {
		reason = fmt.Errorf("graphflow: call abandoned")
	}
	c.logger.Debug("cancellation trigger", telemetry.String("source", "abandon"), telemetry.Err(reason))
	c.signal.trigger(reason)

	c.mu.Lock()
	unhandled := append([]error(nil), c.unhandled...)
	replies := append([]*Reply(nil), c.allReplies...)
	c.mu.Unlock()

	outcomes, ignored := c.snapshotOutcomes(replies)
	return &core.AbandonedState{
		Outcomes:            outcomes,
		Ignored:             ignored,
		UnhandledExceptions: unhandled,
		IsAbandoned:         true,
	}
}

func (c *GraphCall) snapshotOutcomes(replies []*Reply) ([]core.RootOutcome, []core.ReplyKey) {
	var outcomes []core.RootOutcome
	var ignored []core.ReplyKey
	for _, r := range replies {
		state := core.Pending
		var value any
		var err error
		if r.Ready() {
			r.mu.Lock()
			state, value, err = r.state, r.value, r.err
			r.mu.Unlock()
		}
		c.mu.Lock()
		_, isRoot := c.rootReplies[r]
		c.mu.Unlock()
		if isRoot {
			outcomes = append(outcomes, core.RootOutcome{Node: r.key.Node, State: state, Value: value, Err: err})
		}

		r.mu.Lock()
		for range r.ignored {
			ignored = append(ignored, r.key)
			break
		}
		r.mu.Unlock()
	}
	return outcomes, ignored
}
