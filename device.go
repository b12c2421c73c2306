package graphflow

import "fmt"

// DependencyCallingDevice is the per-invocation bridge a node's behavior
// uses to call its unprimed dependencies explicitly (spec.md §4.4). One
// device exists per invocation and must not be retained past the
// behavior's return — calling it after the response it returned completes
// is a programming error the same way writing to a closed channel is.
type DependencyCallingDevice struct {
	inv *invocation
}

// Memory returns the memory the invoking node is running in.
func (d *DependencyCallingDevice) Memory() *Memory { return d.inv.memory }

// Scope returns the invoking node's memory scope.
func (d *DependencyCallingDevice) Scope() *MemoryScope { return d.inv.memory.scope }

// Call invokes an unprimed dependency edge that resolves to the same
// memory or a named ancestor memory. It rejects edges declared on a
// different node than the one currently running, enforcing the
// same-invocation ownership spec.md §4.4 assumes implicitly.
func (d *DependencyCallingDevice) Call(edge *DependencyEdge) (*Reply, error) {
	if edge.owner != d.inv.node {
		return nil, fmt.Errorf("graphflow: edge belongs to node %q, not the calling node %q", edge.owner.role, d.inv.node.role)
	}
	if edge.resolution == newMemoryResolution {
		return nil, fmt.Errorf("graphflow: edge targeting %q requires CallNew (its factory needs a raw input value)", edge.target.role)
	}
	return resolveAndCall(d.inv, edge, nil)
}

// CallNew invokes an unprimed new-memory dependency edge, constructing the
// child memory's input from raw via the edge's MemoryFactory.
func (d *DependencyCallingDevice) CallNew(edge *DependencyEdge, raw any) (*Reply, error) {
	if edge.owner != d.inv.node {
		return nil, fmt.Errorf("graphflow: edge belongs to node %q, not the calling node %q", edge.owner.role, d.inv.node.role)
	}
	if edge.resolution != newMemoryResolution {
		return nil, fmt.Errorf("graphflow: edge targeting %q is not a new-memory edge", edge.target.role)
	}
	return resolveAndCall(d.inv, edge, raw)
}

// Ignore declares the invoking node's invocation no longer interested in
// reply's outcome (spec.md §4.2). If this invocation is the only consumer
// reply has ever had, reply's reply-signal fires (see Reply.Ignore).
func (d *DependencyCallingDevice) Ignore(reply *Reply) {
	reply.Ignore(d.inv.consumer)
}
