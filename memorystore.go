package graphflow

import (
	"sync"

	"github.com/creastat/graphflow/core"
)

// memoryStore is the linearizable get_or_create map backing one Memory's
// share of the (node, memory) memoization key space (spec.md §3, §4.1 step
// 1 "check-in"). The lock-check-then-factory shape is grounded on
// the cache type of
// _examples/other_examples/01e74bf2_jamestrandung-go-context__memoize-memoize.go.go,
// generalized from a single memoized call to one entry per node.
type memoryStore struct {
	mu      sync.Mutex
	entries map[core.NodeID]*Reply
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[core.NodeID]*Reply)}
}

// getOrCreate returns the existing Reply for node if one was already
// checked in, or creates and registers a fresh one via factory. The
// returned bool is true when a pre-existing reply was returned (a memoized
// hit) and false when factory ran (a first check-in).
func (s *memoryStore) getOrCreate(node *Node, factory func() *Reply) (*Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[node.id]; ok {
		return existing, true
	}
	created := factory()
	s.entries[node.id] = created
	return created, false
}
