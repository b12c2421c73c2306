package graphflow

import (
	"context"
	"sync"

	"github.com/creastat/graphflow/core"
)

// consumerID names one registered consumer of a Reply, for the purposes of
// the Ignore/reply-signal bookkeeping of spec.md §4.2. Each invocation and
// the GraphCall's own top-level invoke() each get a distinct, stable
// consumerID.
type consumerID uint64

// Reply is the memoized, linearizable handle for one (node, memory) pair —
// the engine's future-like result type, grounded on the promise/cache shape
// of _examples/other_examples/01e74bf2_jamestrandung-go-context__memoize-memoize.go.go
// (atomic single-execution guard, done channel, cached outcome) but
// extended with the multi-consumer Ignore/reply-signal protocol this engine
// needs that a plain memoizing cache does not.
type Reply struct {
	key  core.ReplyKey
	node *Node

	mu    sync.Mutex
	state core.ReplyState
	value any
	err   error // canonical *core.ContainerError when state == core.Failed

	done chan struct{}

	consumers map[consumerID]struct{}
	ignored   map[consumerID]struct{}

	replySignal *cancelSignal

	// obligations is the Graph-lifetime propagation list described in
	// spec.md §9: populated only when node.DependencyLifetime() is
	// core.Graph, so a NodeForAll ancestor awaiting this reply can also
	// await the dependency-calls this reply's own invocation chose not to
	// wait for locally.
	obligations []*Reply
}

func newReply(key core.ReplyKey, node *Node) *Reply {
	return &Reply{
		key:         key,
		node:        node,
		state:       core.Pending,
		done:        make(chan struct{}),
		consumers:   make(map[consumerID]struct{}),
		ignored:     make(map[consumerID]struct{}),
		replySignal: newCancelSignal(),
	}
}

// register records consumer as holding interest in this reply. It must be
// called before the reply can complete for that consumer to meaningfully
// later call Ignore.
func (r *Reply) register(consumer consumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[consumer] = struct{}{}
}

// Ignore records that consumer is no longer interested in this reply's
// outcome. The reply signal fires only if consumer is the only consumer
// this reply has ever had: it was registered, no other consumer is still
// registered, and no other consumer ignored it before — per spec.md §4.2's
// "when in doubt, stay silent". A reply with two registered consumers
// never fires the signal, whether one or both of them call Ignore.
func (r *Reply) Ignore(consumer consumerID) {
	r.mu.Lock()
	_, wasConsumer := r.consumers[consumer]
	if wasConsumer {
		delete(r.consumers, consumer)
		r.ignored[consumer] = struct{}{}
	}
	unique := wasConsumer && len(r.consumers) == 0 && len(r.ignored) == 1
	r.mu.Unlock()

	if unique {
		r.replySignal.trigger(errIgnoredByUniqueConsumer)
	}
}

// complete resolves the reply exactly once. Subsequent calls are no-ops,
// matching the at-most-once completion guarantee of spec.md §3.
func (r *Reply) complete(state core.ReplyState, value any, err error) {
	r.mu.Lock()
	if r.state != core.Pending {
		r.mu.Unlock()
		return
	}
	r.state, r.value, r.err = state, value, err
	r.mu.Unlock()
	close(r.done)
}

// Ready reports whether the reply has completed, without blocking.
func (r *Reply) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// State returns the reply's current lifecycle state.
func (r *Reply) State() core.ReplyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Get blocks until the reply completes or ctx is cancelled. A cancelled
// wait returns ctx.Err() and does not itself cancel the reply — waiting is
// purely observational (spec.md §4.3: cancellation reaches a node only
// through its own signals, never through a waiter walking away).
func (r *Reply) Get(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Key returns the reply's memoization key.
func (r *Reply) Key() core.ReplyKey { return r.key }

// Node returns the static node this reply belongs to.
func (r *Reply) Node() *Node { return r.node }

// Container returns the reply's failure as a *core.ContainerError, or
// (nil, false) if the reply did not fail.
func (r *Reply) Container() (*core.ContainerError, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.Failed {
		return nil, false
	}
	return core.AsContainerError(r.err)
}

// Cause returns the first non-container cause of a failed reply, or nil if
// the reply did not fail.
func (r *Reply) Cause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.Failed {
		return nil
	}
	return core.Cause(r.err)
}

// CallStack returns the call-stack layer of a failed reply's canonical
// three-layer chain, or (nil, false) if the reply did not fail (spec.md
// §7's "well-defined shape regardless of origin" requirement — §6's four
// Reply exception accessors: container, call-stack container, encountered,
// first-non-container).
func (r *Reply) CallStack() (*core.CallStackError, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.Failed {
		return nil, false
	}
	container, ok := core.AsContainerError(r.err)
	if !ok {
		return nil, false
	}
	return container.CallStack(), true
}

// Encountered returns the raw error the node's behavior or dependency
// actually raised, unwrapped from both chain layers, or nil if the reply
// did not fail.
func (r *Reply) Encountered() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.Failed {
		return nil
	}
	if container, ok := core.AsContainerError(r.err); ok {
		return container.CallStack().Unwrap()
	}
	return r.err
}
