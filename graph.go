package graphflow

import (
	"fmt"

	"github.com/creastat/graphflow/core"
)

// Graph is a validated, immutable compilation of a node set reachable from
// a declared set of roots (spec.md §3, §6's `Graph::from_roots`). It is
// safe to share across many concurrent GraphCalls, mirroring the teacher's
// PipelineGraph (graph.go) being built once by a GraphBuilder and then
// executed repeatedly by many Pipeline.Execute calls.
type Graph struct {
	role     string
	roots    []*Node
	rootSet  map[*Node]struct{}
	rootKind core.MemoryKind
	nodes    []*Node
	ids      map[*Node]core.NodeID
}

// Role returns the graph's declared role, used in diagnostics.
func (g *Graph) Role() string { return g.role }

// Roots returns the graph's declared root nodes.
func (g *Graph) Roots() []*Node { return g.roots }

// Nodes returns every node reachable from the graph's roots, in discovery
// order (roots first).
func (g *Graph) Nodes() []*Node { return g.nodes }

func (g *Graph) isRoot(n *Node) bool {
	_, ok := g.rootSet[n]
	return ok
}

// GraphCandidate is the unvalidated transitive closure a GraphValidator
// inspects; FromRoots discards it once every validator passes, keeping
// only the immutable Graph.
type GraphCandidate struct {
	role  string
	roots []*Node
	nodes []*Node
	ids   map[*Node]core.NodeID
}

// Nodes returns the candidate's full discovered node set.
func (c *GraphCandidate) Nodes() []*Node { return c.nodes }

// Roots returns the candidate's declared roots.
func (c *GraphCandidate) Roots() []*Node { return c.roots }

// ID returns the NodeID assigned to n within this candidate.
func (c *GraphCandidate) ID(n *Node) (core.NodeID, bool) {
	id, ok := c.ids[n]
	return id, ok
}

// GraphValidator inspects a fully discovered GraphCandidate and returns an
// error describing the first structural problem it finds, or nil.
type GraphValidator func(*GraphCandidate) error

// newCandidate discovers the transitive closure of roots by walking
// declared DependencyEdges, the identity-graph analogue of the teacher's
// name-keyed AllNodes()/outputs traversal.
func newCandidate(role string, roots []*Node) (*GraphCandidate, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("graphflow: graph %q declares no root nodes", role)
	}
	ids := make(map[*Node]core.NodeID)
	var ordered []*Node

	var visit func(n *Node)
	visit = func(n *Node) {
		if _, ok := ids[n]; ok {
			return
		}
		ids[n] = core.NodeID(len(ordered))
		ordered = append(ordered, n)
		for _, e := range n.edges {
			visit(e.target)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	for n, id := range ids {
		n.id = id
	}
	return &GraphCandidate{role: role, roots: roots, nodes: ordered, ids: ids}, nil
}

// FromRoots compiles a Graph from roots and its transitive dependency
// closure, running the mandatory structural validators
// (ancestorMemoryRelationshipsAcyclic, consumerEnvelopsDependency), every
// node's own declared NodeValidatorFactory, and any extra validators
// passed in, in that order. The first validator to return an error aborts
// compilation.
func FromRoots(role string, roots []*Node, validators ...GraphValidator) (*Graph, error) {
	candidate, err := newCandidate(role, roots)
	if err != nil {
		return nil, err
	}

	rootKind := roots[0].memoryKind
	for _, r := range roots[1:] {
		if r.memoryKind != rootKind {
			return nil, fmt.Errorf("graphflow: graph %q declares roots with mixed memory kinds (%q and %q)", role, rootKind, r.memoryKind)
		}
	}

	all := []GraphValidator{ancestorMemoryRelationshipsAcyclic, consumerEnvelopsDependency}
	for _, n := range candidate.nodes {
		for _, factory := range n.validators {
			all = append(all, factory(n))
		}
	}
	all = append(all, validators...)

	for _, v := range all {
		if err := v(candidate); err != nil {
			return nil, err
		}
	}

	rootSet := make(map[*Node]struct{}, len(roots))
	for _, r := range roots {
		rootSet[r] = struct{}{}
	}

	return &Graph{
		role:     role,
		roots:    roots,
		rootSet:  rootSet,
		rootKind: rootKind,
		nodes:    candidate.nodes,
		ids:      candidate.ids,
	}, nil
}
