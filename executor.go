package graphflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/creastat/graphflow/core"
	"github.com/creastat/graphflow/internal/telemetry"
)

// WorkerPool runs a node invocation's goroutine. The default, GoWorkerPool,
// just spawns a bare goroutine per invocation — the same one-goroutine-
// per-node-of-work shape as the teacher pipeline's executeGraph/runStage,
// generalized from "one goroutine per pipeline stage" to "one goroutine per
// checked-in (node, memory) pair". A caller that wants a bounded pool can
// supply their own WorkerPool instead.
type WorkerPool interface {
	Go(fn func())
}

// GoWorkerPool is the default WorkerPool: every invocation gets its own
// goroutine.
type GoWorkerPool struct{}

func (GoWorkerPool) Go(fn func()) { go fn() }

// invocation is the mutable, per-(node,memory) execution record tracked
// for the lifetime of one node running through check-in, priming,
// behavior, and waiting (spec.md §4.1). It is never shared outside the
// goroutine that owns it except through the Reply it is building toward.
type invocation struct {
	reply    *Reply
	node     *Node
	memory   *Memory
	call     *GraphCall
	consumer consumerID

	mu                sync.Mutex
	registeredReplies []*Reply
}

func (inv *invocation) registerDependency(r *Reply) {
	inv.mu.Lock()
	inv.registeredReplies = append(inv.registeredReplies, r)
	inv.mu.Unlock()
}

// checkIn resolves the memoized Reply for (node, memory): a pre-existing
// reply if one is already checked in, or a fresh one whose execution this
// call schedules onto the GraphCall's WorkerPool (spec.md §4.1 step 1).
func checkIn(call *GraphCall, memory *Memory, node *Node, consumer consumerID) *Reply {
	reply, hit := memory.store.getOrCreate(node, func() *Reply {
		key := core.ReplyKey{Node: node.id, Memory: memory.id}
		r := newReply(key, node)
		call.registerOutstanding(r)
		inv := &invocation{reply: r, node: node, memory: memory, call: call, consumer: call.nextConsumer()}
		call.pool.Go(func() { runInvocation(inv) })
		return r
	})
	call.logger.Debug("check-in", telemetry.String("node", node.role), telemetry.Bool("hit", hit))
	reply.register(consumer)

	// Every check-in (cache hit or miss) gets the every-call hook, and a
	// fresh installation additionally gets the first-call hook. Each
	// after-closure is serviced once this reply settles (spec.md §4.1's
	// "check-in" step); the wait happens on its own goroutine so a slow
	// observer after-closure never delays the invocation itself. Each such
	// goroutine is tracked on the call's pending-hook count so WeaklyClose
	// cannot observe a FinalState before every scheduled after-closure (and
	// any unhandled exception it raises) has actually run.
	if after := call.observeEveryCall(node.id, memory.id); after != nil {
		call.beginHook()
		call.pool.Go(func() { <-reply.done; call.runAfterHook(after, reply); call.endHook() })
	}
	if !hit {
		if after := call.observeFirstCall(node.id, memory.id); after != nil {
			call.beginHook()
			call.pool.Go(func() { <-reply.done; call.runAfterHook(after, reply); call.endHook() })
		}
	}
	return reply
}

// runInvocation drives one node through its full execution pipeline. It
// runs at most once per Reply, guaranteed by checkIn's getOrCreate.
func runInvocation(inv *invocation) {
	call := inv.call
	node := inv.node
	reply := inv.reply

	// scopeSignals is the mandatory call+scope tier set every node's passive
	// checks poll regardless of its cancel mode (spec.md §4.3). behaviorSignals
	// additionally includes this invocation's own reply signal for a node
	// whose cancel mode opts into reply-level checks (CompositeSignal or
	// CustomAction) — spec.md §4.1 step 5's "for nodes whose cancel-mode
	// supports reply-level checks, also poll the node's own reply-cancel
	// signal", and §4.3 hook 3's "a read-only view combining all three
	// signals". A plain node's reply signal is never appended: it never
	// observes its own Ignore-triggered cancellation, matching spec.md
	// §4.2's default.
	scopeSignals := append([]*cancelSignal{call.signal}, inv.memory.scope.signals()...)
	optsIntoReplySignal := node.CancelMode() == core.CancelModeCompositeSignal || node.CancelMode() == core.CancelModeCustomAction
	behaviorSignals := scopeSignals
	if optsIntoReplySignal {
		behaviorSignals = append(append([]*cancelSignal(nil), scopeSignals...), reply.replySignal)
	}

	// Pre-priming passive check (spec.md §4.3 step 2): mandatory tiers only,
	// before any dependency has even been resolved.
	if sig, err := firstTriggered(scopeSignals); sig {
		call.logger.Debug("check-in cancelled before priming", telemetry.String("node", node.role))
		reply.complete(core.Cancelled, nil, err)
		call.finishOutstanding(reply)
		return
	}

	call.logger.Debug("priming start", telemetry.String("node", node.role))
	primingErr := runPriming(inv, scopeSignals)
	call.logger.Debug("priming end", telemetry.String("node", node.role), telemetry.Bool("failed", primingErr != nil))
	if primingErr != nil {
		finishWithFailure(inv, decorateFailure(primingErr, node.role))
		return
	}

	// Between-phase passive check (spec.md §4.3, §4.1 step 5): mandatory
	// tiers always, plus the reply signal for an opted-in node.
	if sig, err := firstTriggered(behaviorSignals); sig {
		call.logger.Debug("between-phase cancelled", telemetry.String("node", node.role))
		reply.complete(core.Cancelled, nil, err)
		call.finishOutstanding(reply)
		return
	}

	call.logger.Debug("behavior start", telemetry.String("node", node.role))
	value, behaviorErr := runBehavior(inv, behaviorSignals)
	call.logger.Debug("behavior end", telemetry.String("node", node.role), telemetry.Bool("failed", behaviorErr != nil))

	call.logger.Debug("waiting phase", telemetry.String("node", node.role), telemetry.String("lifetime", node.dependencyLifetime.String()))
	runWaiting(inv)

	if behaviorErr != nil {
		if sig, sigErr := firstTriggered(behaviorSignals); sig {
			reply.complete(core.Cancelled, nil, sigErr)
			call.finishOutstanding(reply)
			return
		}
		reply.complete(core.Failed, nil, decorateFailure(behaviorErr, node.role))
		call.finishOutstanding(reply)
		return
	}

	reply.complete(core.Succeeded, value, nil)
	call.finishOutstanding(reply)
}

// decorateFailure builds the canonical three-layer chain around err,
// pushing role onto the call-stack layer. If err is already in canonical
// form (a dependency's failure the behavior returned unchanged, or a
// priming failure already folded from multiple siblings), it is decorated
// in place rather than wrapped again, preserving its suppressed causes
// (spec.md §7: "if already in canonical form, reuse the outer container").
func decorateFailure(err error, role string) *core.ContainerError {
	if container, ok := core.AsContainerError(err); ok {
		decorated := core.NewContainerError(container.CallStack().WithRole(role))
		if suppressed := container.Suppressed(); len(suppressed) > 0 {
			decorated = decorated.WithSuppressed(suppressed...)
		}
		return decorated
	}
	return core.NewContainerError(core.WrapFailure(err).CallStack().WithRole(role))
}

// firstTriggered reports whether any signal has fired and, if so, its
// recorded reason.
func firstTriggered(signals []*cancelSignal) (bool, error) {
	for _, s := range signals {
		if s.triggered() {
			return true, s.reason()
		}
	}
	return false, nil
}

// runPriming invokes every primed dependency edge and applies the node's
// PrimingFailurePolicy (spec.md §4.1 step 2-3, §4.2's exception-strategy
// interplay).
func runPriming(inv *invocation, scopeSignals []*cancelSignal) error {
	node := inv.node
	var primed []*DependencyEdge
	for _, e := range node.edges {
		if e.primed {
			primed = append(primed, e)
		}
	}
	if len(primed) == 0 {
		return nil
	}

	replies := make([]*Reply, len(primed))
	for i, e := range primed {
		r, err := resolveAndCall(inv, e, nil)
		if err != nil {
			return err
		}
		replies[i] = r
	}

	if node.primingFailure == core.FailFast {
		// Await every primed reply concurrently, so priming ends at whichever
		// one publishes a failure first rather than the first in declared order.
		settled := make(chan *Reply, len(replies))
		for _, r := range replies {
			go func(r *Reply) { waitReply(r, scopeSignals); settled <- r }(r)
		}
		for range replies {
			if r := <-settled; r.Ready() && r.State() == core.Failed {
				return core.Cause(r.err)
			}
		}
		return nil
	}

	// WaitAll: await every primed reply regardless of individual outcome,
	// then fold the failures together per ExceptionStrategy.
	var failures []error
	for _, r := range replies {
		if waitReply(r, scopeSignals) == core.Failed {
			failures = append(failures, r.err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	primary := failures[0]
	if node.exceptionStrategy == core.Discard || len(failures) == 1 {
		for _, f := range failures[1:] {
			inv.call.recordUnhandled(f)
		}
		return core.Cause(primary)
	}
	container, ok := core.AsContainerError(primary)
	if !ok {
		return core.Cause(primary)
	}
	for _, f := range failures[1:] {
		container = container.WithSuppressed(core.Cause(f))
	}
	return container
}

// waitReply blocks until r completes or any of scopeSignals fires, in which
// case it treats the wait as cancelled without marking r itself cancelled
// (only r's own invocation goroutine ever completes r).
func waitReply(r *Reply, scopeSignals []*cancelSignal) core.ReplyState {
	chans := make([]<-chan struct{}, 0, len(scopeSignals)+1)
	chans = append(chans, r.done)
	for _, s := range scopeSignals {
		chans = append(chans, s.done())
	}
	waitAny(chans)
	if !r.Ready() {
		return core.Cancelled
	}
	return r.State()
}

// resolveAndCall resolves edge's target memory per its resolution kind and
// checks the target node into that memory, registering the dependency on
// inv for waiting-phase bookkeeping. raw is only consulted for
// newMemoryResolution edges invoked explicitly via the device (nil for
// primed edges, whose factory receives the consuming memory's own input).
func resolveAndCall(inv *invocation, edge *DependencyEdge, raw any) (*Reply, error) {
	switch edge.resolution {
	case sameMemoryResolution:
		r := checkIn(inv.call, inv.memory, edge.target, inv.consumer)
		inv.registerDependency(r)
		return r, nil
	case ancestorMemoryResolution:
		anc, ok := inv.memory.Ancestor(edge.target.memoryKind)
		if !ok {
			return nil, fmt.Errorf("graphflow: node %q has no ancestor memory of kind %q", edge.target.role, edge.target.memoryKind)
		}
		r := checkIn(inv.call, anc, edge.target, inv.consumer)
		inv.registerDependency(r)
		return r, nil
	case newMemoryResolution:
		factoryInput := raw
		if factoryInput == nil {
			factoryInput = inv.memory.input
		}
		input, err := edge.factory(context.Background(), factoryInput)
		if err != nil {
			return nil, err
		}
		childScope := inv.memory.scope.child(core.ScopeID(inv.call.nextScope()))
		childMemory := newMemory(core.MemoryID(inv.call.nextMemory()), edge.target.memoryKind, input, childScope, inv.memory)
		r := checkIn(inv.call, childMemory, edge.target, inv.consumer)
		inv.registerDependency(r)
		return r, nil
	default:
		return nil, fmt.Errorf("graphflow: unknown dependency resolution")
	}
}

// runBehavior executes the node's attached Behavior variant, recovering a
// panic into an error the way the teacher's runStage recovers a panicking
// stage (pipeline.go).
func runBehavior(inv *invocation, scopeSignals []*cancelSignal) (value any, err error) {
	node := inv.node
	ctx, stop := compositeDone(context.Background(), scopeSignals...)
	defer stop()

	device := &DependencyCallingDevice{inv: inv}

	var hookAfter func(HookOutcome)
	if _, custom := node.behavior.(CustomActionBehavior); custom {
		hookAfter = inv.call.observeBeforeCustomAction(node.id, inv.memory.id)
	} else {
		hookAfter = inv.call.observeBeforeBehavior(node.id, inv.memory.id)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("graphflow: node %q panicked: %v", node.role, p)
		}
		if hookAfter != nil {
			state := core.Succeeded
			if err != nil {
				state = core.Failed
			}
			inv.call.runAfterHookValue(hookAfter, HookOutcome{State: state, Value: value, Err: err})
		}
	}()

	var resp *Response
	var action CancelAction
	var mayInterrupt bool
	var modifier InterruptModifier = NopInterruptModifier{}
	switch b := node.behavior.(type) {
	case PlainBehavior:
		resp, err = b.Run(ctx, device)
	case CompositeSignalBehavior:
		resp, err = b.Run(ctx, device, newCompositeSignal(scopeSignals...))
	case CustomActionBehavior:
		resp, action, err = b.Run(ctx, device)
		mayInterrupt = b.MayInterrupt
		if b.InterruptModifier != nil {
			modifier = b.InterruptModifier
		}
	default:
		err = fmt.Errorf("graphflow: node %q has an unrecognized behavior variant", node.role)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("graphflow: node %q returned a nil response without an error", node.role)
	}

	if action != nil && mayInterrupt {
		// MayInterrupt: the engine may run the cancel action concurrently
		// with the behavior's own still-running worker. That concurrency is
		// exactly the critical section InterruptModifier brackets.
		go func() {
			<-ctx.Done()
			if resp.Ready() {
				return
			}
			modifier.PreCriticalSection()
			action()
			modifier.PostCriticalSection()
		}()
	}

	v, respErr, completed := resp.wait(ctx)
	if !completed {
		if action != nil && !mayInterrupt {
			// Not MayInterrupt: the action must never run concurrently with
			// the behavior's own worker, so it runs here instead — on this
			// same goroutine, strictly after resp.wait has given up waiting
			// on the worker, never alongside it.
			modifier.PreCriticalSection()
			action()
			modifier.PostCriticalSection()
		}
		if reason := ctx.Err(); reason != nil {
			return nil, reason
		}
		return nil, context.Canceled
	}
	return v, respErr
}

// runWaiting applies the node's DependencyLifetime to decide how long to
// defer the reply's externally observable completion and records the
// Graph-lifetime propagation obligations spec.md §9 describes.
func runWaiting(inv *invocation) {
	inv.mu.Lock()
	direct := append([]*Reply(nil), inv.registeredReplies...)
	inv.mu.Unlock()

	node := inv.node

	switch node.dependencyLifetime {
	case core.NodeForDirect:
		for _, r := range direct {
			<-r.done
		}
	case core.NodeForAll:
		for _, r := range effectiveWaitSet(direct) {
			<-r.done
		}
	case core.Graph:
		inv.reply.obligations = effectiveWaitSet(direct)
		inv.call.forwardObligations(inv.reply)
	}
}

// effectiveWaitSet expands direct into the full set a NodeForAll ancestor
// must await: each direct reply itself, plus — only for direct replies
// whose own node has Graph lifetime — that reply's own obligations,
// because a Graph-lifetime reply's done channel fires without having
// waited for its dependencies locally.
func effectiveWaitSet(direct []*Reply) []*Reply {
	seen := make(map[*Reply]struct{}, len(direct))
	var out []*Reply
	var add func(r *Reply)
	add = func(r *Reply) {
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	for _, r := range direct {
		add(r)
		if r.node.dependencyLifetime == core.Graph {
			<-r.done
			for _, o := range r.obligations {
				add(o)
			}
		}
	}
	return out
}

// finishWithFailure completes reply with a priming failure that never ran
// the node's behavior, and still runs the waiting phase over whatever
// dependency calls priming already made (spec.md §4.1's "priming failure
// short-circuits the behavior phase but not the waiting phase").
func finishWithFailure(inv *invocation, err *core.ContainerError) {
	runWaiting(inv)
	inv.reply.complete(core.Failed, nil, err)
	inv.call.finishOutstanding(inv.reply)
}
