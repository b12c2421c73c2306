package graphflow

import "fmt"

// ValidationError describes a structural problem found while compiling a
// Graph, generalized from the teacher's validation.go ValidationError to
// carry whichever node/kind pair triggered it.
type ValidationError struct {
	Message string
	Details string
}

func (e ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// ancestorMemoryRelationshipsAcyclic is a mandatory structural validator
// (spec.md §4.6): the ancestor set must form a DAG when transitively
// unioned across all memory kinds declared in the graph. It builds a
// kind-level parent graph from every NewMemory edge (owner's kind is an
// ancestor of the edge's target's kind) and detects cycles with the same
// DFS-plus-recursion-stack shape as the teacher's detectCycles/hasCycle
// (validation.go), generalized from node names to memory kinds. It also
// confirms every AncestorMemory edge names a kind that is actually
// reachable as an ancestor of its owner's kind, the structural counterpart
// of checkReachability.
func ancestorMemoryRelationshipsAcyclic(c *GraphCandidate) error {
	parents := make(map[string][]string) // child kind -> []parent kind
	for _, n := range c.nodes {
		for _, e := range n.edges {
			if e.resolution == newMemoryResolution {
				child := string(e.target.memoryKind)
				parent := string(n.memoryKind)
				parents[child] = append(parents[child], parent)
			}
		}
	}

	visited := make(map[string]bool)
	stack := make(map[string]bool)
	var hasCycle func(kind string) bool
	hasCycle = func(kind string) bool {
		visited[kind] = true
		stack[kind] = true
		for _, parent := range parents[kind] {
			if !visited[parent] {
				if hasCycle(parent) {
					return true
				}
			} else if stack[parent] {
				return true
			}
		}
		stack[kind] = false
		return false
	}
	for kind := range parents {
		if !visited[kind] {
			if hasCycle(kind) {
				return ValidationError{
					Message: "graph validation failed",
					Details: fmt.Sprintf("memory kind %q participates in an ancestor cycle", kind),
				}
			}
		}
	}

	ancestorsOf := func(kind string) map[string]bool {
		seen := map[string]bool{}
		var walk func(k string)
		walk = func(k string) {
			for _, p := range parents[k] {
				if !seen[p] {
					seen[p] = true
					walk(p)
				}
			}
		}
		walk(kind)
		return seen
	}

	for _, n := range c.nodes {
		for _, e := range n.edges {
			if e.resolution != ancestorMemoryResolution {
				continue
			}
			wanted := string(e.target.memoryKind)
			if !ancestorsOf(string(n.memoryKind))[wanted] {
				return ValidationError{
					Message: "graph validation failed",
					Details: fmt.Sprintf("node %q has no ancestor memory of kind %q reachable from memory kind %q", e.target.role, wanted, n.memoryKind),
				}
			}
		}
	}

	return nil
}

// consumerEnvelopsDependency is a mandatory structural validator (spec.md
// §4.6): for every node declared as the envelope of a resource node, every
// other consumer of that resource must also consume the envelope node.
// This is the structural guarantee behind an envelope-scoped resource
// never outliving the node responsible for releasing it.
func consumerEnvelopsDependency(c *GraphCandidate) error {
	consumersOf := make(map[*Node][]*Node)
	for _, n := range c.nodes {
		for _, e := range n.edges {
			consumersOf[e.target] = append(consumersOf[e.target], n)
		}
	}

	for _, envelope := range c.nodes {
		for _, resource := range envelope.envelopeFor {
			envelopeConsumers := make(map[*Node]bool)
			for _, consumer := range consumersOf[envelope] {
				envelopeConsumers[consumer] = true
			}
			for _, consumer := range consumersOf[resource] {
				if consumer == envelope {
					continue
				}
				if !envelopeConsumers[consumer] {
					return ValidationError{
						Message: "graph validation failed",
						Details: fmt.Sprintf("node %q consumes %q without also consuming its envelope %q", consumer.role, resource.role, envelope.role),
					}
				}
			}
		}
	}
	return nil
}
