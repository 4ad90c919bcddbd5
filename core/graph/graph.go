// Package graph provides dependency ordering for planned work.
package graph

import "fmt"

// Node declares a unit with zero or more dependencies on sibling nodes.
type Node struct {
	ID        string
	DependsOn []string
}

// CyclicDependencyError reports the node at which ordering could make no
// progress.
type CyclicDependencyError struct {
	NodeID string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected at node %s", e.NodeID)
}

// TopologicalSort orders nodes so every node appears after all of its
// dependencies. Ties resolve in declaration order, which keeps execution
// order deterministic across runs.
func TopologicalSort(nodes []Node) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		if known[n.ID] {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		known[n.ID] = true
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("node %s depends on unknown node %s", n.ID, dep)
			}
		}
	}

	ordered := make([]string, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))
	remaining := append([]Node(nil), nodes...)

	for len(remaining) > 0 {
		next := remaining[:0]
		progressed := false
		for _, n := range remaining {
			if depsPlaced(n, placed) {
				ordered = append(ordered, n.ID)
				placed[n.ID] = true
				progressed = true
			} else {
				next = append(next, n)
			}
		}
		if !progressed {
			return nil, &CyclicDependencyError{NodeID: next[0].ID}
		}
		remaining = next
	}
	return ordered, nil
}

func depsPlaced(n Node, placed map[string]bool) bool {
	for _, dep := range n.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}
