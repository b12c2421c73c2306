// Package core holds the dependency-free static data types shared by the
// graphflow engine: node identity, policy enumerations, the canonical
// three-layer exception chain, and the terminal call-state snapshots.
//
// Nothing in this package schedules work or touches a mutex; it exists so
// that the scheduling/memoization code in the root graphflow package has a
// stable vocabulary to build on, the way the teacher pipeline's core package
// holds Event/EventType/FanOutConfig/BarrierConfig for the scheduling code
// in the root pipeline package to build on.
package core

// NodeID identifies a node within a single compiled Graph. It is assigned
// at build time and is stable for the lifetime of the Graph.
type NodeID uint32

// MemoryKind is a user-declared tag identifying a family of Memory
// instances. A Node is statically bound to exactly one MemoryKind; a
// dependency edge that requests "new-memory" always creates a Memory of the
// target node's MemoryKind, its input built by the MemoryFactory declared on
// that edge.
type MemoryKind string

// MemoryID identifies one Memory instance within a GraphCall; it is the
// memory half of a ReplyKey. Links between live memories (ancestors) and
// between scopes (parents) are held as pointers, not as MemoryIDs; the
// ancestor graph is validated structurally over MemoryKinds at graph build
// time (see ancestor_memory_relationships_acyclic).
type MemoryID uint64

// ScopeID identifies one MemoryScope within a GraphCall's scope tree.
type ScopeID uint64

// ReplyKey is the memoization key: one Reply exists per (node, memory)
// pair for the lifetime of a GraphCall.
type ReplyKey struct {
	Node   NodeID
	Memory MemoryID
}
