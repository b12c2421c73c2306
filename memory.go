package graphflow

import (
	"context"

	"github.com/creastat/graphflow/core"
)

// MemoryFactory builds the input value stored in a newly constructed
// Memory from the raw value a behavior supplies at the point it opens a
// new-memory dependency call (or, for the root memory, the raw input
// passed to GraphCall.Open). graphflow treats the returned value as opaque;
// a node's behavior recovers it with whatever type assertion it expects.
type MemoryFactory func(ctx context.Context, raw any) (any, error)

// Memory is one instance of a node's memoization scope: the (node, memory)
// pair is the Reply's memoization key, so every node bound to the same
// MemoryKind and reachable from the same Memory instance shares outcomes
// for that Memory (spec.md §3 "Memory").
type Memory struct {
	id    core.MemoryID
	kind  core.MemoryKind
	input any
	scope *MemoryScope

	// ancestors maps each ancestor MemoryKind reachable from this memory to
	// the specific ancestor Memory instance, an immutable set built once at
	// construction (spec.md §3's "ancestor set must form a DAG").
	ancestors map[core.MemoryKind]*Memory

	store *memoryStore
}

// Input returns the memory's stored input value, as produced by its
// MemoryFactory.
func (m *Memory) Input() any { return m.input }

// Kind returns the memory's MemoryKind.
func (m *Memory) Kind() core.MemoryKind { return m.kind }

// Ancestor looks up the nearest ancestor memory of the given kind. The
// bool is false if no such ancestor exists, which the ancestor-acyclicity
// graph validator is meant to rule out for any AncestorMemory edge that
// actually survives Graph construction.
func (m *Memory) Ancestor(kind core.MemoryKind) (*Memory, bool) {
	anc, ok := m.ancestors[kind]
	return anc, ok
}

func newMemory(id core.MemoryID, kind core.MemoryKind, input any, scope *MemoryScope, parent *Memory) *Memory {
	ancestors := make(map[core.MemoryKind]*Memory)
	if parent != nil {
		ancestors[parent.kind] = parent
		for k, v := range parent.ancestors {
			ancestors[k] = v
		}
	}
	return &Memory{
		id:        id,
		kind:      kind,
		input:     input,
		scope:     scope,
		ancestors: ancestors,
		store:     newMemoryStore(),
	}
}

// MemoryScope is the scope tier of the three-tier cancellation model
// (spec.md §4.3). A dependency edge that resolves to a new memory opens a
// child scope of the invoking memory's scope; the DependencyCallingDevice
// does not check scopes when it calls a dependency.
type MemoryScope struct {
	id     core.ScopeID
	parent *MemoryScope
	signal *cancelSignal
}

func newRootScope(id core.ScopeID) *MemoryScope {
	return &MemoryScope{id: id, signal: newCancelSignal()}
}

func (s *MemoryScope) child(id core.ScopeID) *MemoryScope {
	return &MemoryScope{id: id, parent: s, signal: newCancelSignal()}
}

// Cancel triggers this scope's cancellation signal. Child scopes are not
// triggered directly; they observe cancellation by including their
// ancestors' signals in their own composite view (spec.md §4.3 describes
// scope cancellation as lexical, not a broadcast tree walk).
func (s *MemoryScope) Cancel(reason error) {
	s.signal.trigger(reason)
}

// signals returns this scope's signal together with every ancestor scope's
// signal, outermost first, for building a composite cancellation view.
func (s *MemoryScope) signals() []*cancelSignal {
	var out []*cancelSignal
	for cur := s; cur != nil; cur = cur.parent {
		out = append([]*cancelSignal{cur.signal}, out...)
	}
	return out
}

// ID returns the scope's identity.
func (s *MemoryScope) ID() core.ScopeID { return s.id }

// Encloses reports whether s is other or a lexical ancestor of other. The
// engine itself does not call it.
func (s *MemoryScope) Encloses(other *MemoryScope) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == s {
			return true
		}
	}
	return false
}
