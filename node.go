package graphflow

import (
	"fmt"

	"github.com/creastat/graphflow/core"
)

// memoryResolution is how a DependencyEdge's target memory is located
// relative to the current memory at invocation time (spec.md §4.4).
type memoryResolution int

const (
	sameMemoryResolution memoryResolution = iota
	newMemoryResolution
	ancestorMemoryResolution
)

// DependencyEdge is one declared dependency of a Node: which node it
// targets, whether the engine primes it automatically, and how its target
// memory is resolved at call time.
type DependencyEdge struct {
	owner      *Node
	target     *Node
	primed     bool
	resolution memoryResolution
	factory    MemoryFactory
}

// Target returns the node this edge depends on.
func (e *DependencyEdge) Target() *Node { return e.target }

// Primed reports whether the engine invokes this dependency automatically
// during the priming phase.
func (e *DependencyEdge) Primed() bool { return e.primed }

// EdgeOption configures a DependencyEdge at declaration time.
type EdgeOption func(*DependencyEdge)

// Unprimed marks the dependency as one the behavior must invoke itself
// through the DependencyCallingDevice.
func Unprimed() EdgeOption {
	return func(e *DependencyEdge) { e.primed = false }
}

// NewMemory marks the dependency as running in a freshly constructed child
// memory (a new child scope is opened for it), built via factory.
func NewMemory(factory MemoryFactory) EdgeOption {
	return func(e *DependencyEdge) {
		e.resolution = newMemoryResolution
		e.factory = factory
	}
}

// AncestorMemory marks the dependency as running in the nearest ancestor
// memory whose kind matches the target node's own memory-kind binding —
// the "named ancestor memory" lookup of spec.md §4.4, where the kind
// itself is the name.
func AncestorMemory() EdgeOption {
	return func(e *DependencyEdge) { e.resolution = ancestorMemoryResolution }
}

// Node is the static, immutable-after-build description of one memoized
// computation (spec.md §3 "Node (static)").
type Node struct {
	id                 core.NodeID
	role               string
	typeTag            string
	memoryKind         core.MemoryKind
	edges              []*DependencyEdge
	primingFailure     core.PrimingFailurePolicy
	dependencyLifetime core.DependencyLifetime
	exceptionStrategy  core.ExceptionStrategy
	behavior           Behavior
	validators         []NodeValidatorFactory
	envelopeFor        []*Node
}

// Role returns the node's static role name, used in diagnostics and the
// call-stack decoration of failure chains.
func (n *Node) Role() string { return n.role }

// MemoryKind returns the memory kind this node is statically bound to.
func (n *Node) MemoryKind() core.MemoryKind { return n.memoryKind }

// Edges returns the node's declared dependency edges in declaration order.
func (n *Node) Edges() []*DependencyEdge { return n.edges }

// PrimingFailurePolicy returns the node's priming-failure policy.
func (n *Node) PrimingFailurePolicy() core.PrimingFailurePolicy { return n.primingFailure }

// DependencyLifetime returns the node's dependency-lifetime.
func (n *Node) DependencyLifetime() core.DependencyLifetime { return n.dependencyLifetime }

// ExceptionStrategy returns the node's exception strategy.
func (n *Node) ExceptionStrategy() core.ExceptionStrategy { return n.exceptionStrategy }

// NodeValidatorFactory builds a GraphValidator bound to a specific node
// instance, for per-node structural checks declared at node-construction
// time (spec.md §4.6).
type NodeValidatorFactory func(n *Node) GraphValidator

// NodeBuilder is the fluent constructor for an immutable Node, mirroring
// the teacher's GraphBuilder chained-configuration-then-build shape
// (builder.go's AddStage/AddFanOut/AddBarrier chain).
type NodeBuilder struct {
	node *Node
	err  error
}

// NewNode begins building a node with the given role and memory-kind
// binding. Defaults: WaitAll priming-failure policy, NodeForAll
// dependency-lifetime, Suppress exception strategy — the defaults named
// in spec.md's GLOSSARY.
func NewNode(role string, memoryKind core.MemoryKind) *NodeBuilder {
	return &NodeBuilder{
		node: &Node{
			role:               role,
			memoryKind:         memoryKind,
			primingFailure:     core.WaitAll,
			dependencyLifetime: core.NodeForAll,
			exceptionStrategy:  core.Suppress,
		},
	}
}

// WithType records an optional type tag on the node. The tag is only
// stored: graphflow checks it against no type-instance witness, and Node
// has no accessor for it, so validators cannot read it.
func (b *NodeBuilder) WithType(tag string) *NodeBuilder {
	b.node.typeTag = tag
	return b
}

// WithPrimingFailurePolicy overrides the default WaitAll policy.
func (b *NodeBuilder) WithPrimingFailurePolicy(p core.PrimingFailurePolicy) *NodeBuilder {
	b.node.primingFailure = p
	return b
}

// WithDependencyLifetime overrides the default NodeForAll lifetime.
func (b *NodeBuilder) WithDependencyLifetime(d core.DependencyLifetime) *NodeBuilder {
	b.node.dependencyLifetime = d
	return b
}

// WithExceptionStrategy overrides the default Suppress strategy.
func (b *NodeBuilder) WithExceptionStrategy(s core.ExceptionStrategy) *NodeBuilder {
	b.node.exceptionStrategy = s
	return b
}

// WithValidator attaches a per-node validator factory, run once at Graph
// build time against the fully-wired node.
func (b *NodeBuilder) WithValidator(f NodeValidatorFactory) *NodeBuilder {
	b.node.validators = append(b.node.validators, f)
	return b
}

// WithEnvelopeFor declares this node as the envelope of resource: every
// consumer of resource must also consume this node (spec.md §4.6's
// consumer_envelops_dependency validator).
func (b *NodeBuilder) WithEnvelopeFor(resource *Node) *NodeBuilder {
	b.node.envelopeFor = append(b.node.envelopeFor, resource)
	return b
}

// DependsOn declares a dependency edge on target. By default the edge is
// primed and resolves against the current memory (same-memory); pass
// Unprimed(), NewMemory(factory), or AncestorMemory() to change that.
func (b *NodeBuilder) DependsOn(target *Node, opts ...EdgeOption) *DependencyEdge {
	edge := &DependencyEdge{
		owner:      b.node,
		target:     target,
		primed:     true,
		resolution: sameMemoryResolution,
	}
	for _, opt := range opts {
		opt(edge)
	}
	if edge.resolution == newMemoryResolution && edge.factory == nil {
		b.err = fmt.Errorf("node %q: NewMemory dependency on %q requires a MemoryFactory", b.node.role, target.role)
	}
	b.node.edges = append(b.node.edges, edge)
	return edge
}

// WithBehavior attaches the node's behavior. The concrete Behavior variant
// (PlainBehavior, CompositeSignalBehavior, CustomActionBehavior)
// determines the node's CancelMode automatically.
func (b *NodeBuilder) WithBehavior(behavior Behavior) *NodeBuilder {
	b.node.behavior = behavior
	return b
}

// Build finalizes the node. It does not run graph-level validators — those
// run once per Graph in FromRoots — only the structural checks that are
// meaningful for a single node in isolation.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.node.role == "" {
		return nil, fmt.Errorf("node role must not be empty")
	}
	if b.node.behavior == nil {
		return nil, fmt.Errorf("node %q: behavior must be set", b.node.role)
	}
	return b.node, nil
}

// CancelMode returns the cancellation mode implied by the node's behavior
// variant.
func (n *Node) CancelMode() core.CancelMode {
	return n.behavior.mode()
}
