package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/play-engine/types"
)

// ErrCycle is returned by TopologicalOrder when the graph is not acyclic.
var ErrCycle = errors.New("graph contains a cycle")

// RunnableNodes returns the nodes that may execute now, in creation order. A node is
// runnable when it has not started and every predecessor has completed.
func RunnableNodes(nodes []types.Node, edges []types.Edge, states map[string]types.NodeExecutionState) []types.Node {
	blocked := make(map[string]int)
	for _, e := range edges {
		if types.StatusOf(states, e.Source) != types.StatusCompleted {
			blocked[e.Target]++
		}
	}

	var runnable []types.Node
	for _, n := range nodes {
		if blocked[n.ID] == 0 && types.StatusOf(states, n.ID) == types.StatusNotStarted {
			runnable = append(runnable, n)
		}
	}
	return runnable
}

// TopologicalOrder orders all nodes with Kahn's algorithm. Among nodes that become ready
// together, the earlier-created node comes first.
func TopologicalOrder(nodes []types.Node, edges []types.Edge) ([]types.Node, error) {
	pos := make(map[string]int, len(nodes))
	for i, n := range nodes {
		pos[n.ID] = i
	}

	indegree := make(map[string]int, len(nodes))
	succ := make(map[string][]string)
	for _, e := range edges {
		if _, ok := pos[e.Source]; !ok {
			continue
		}
		if _, ok := pos[e.Target]; !ok {
			continue
		}
		indegree[e.Target]++
		succ[e.Source] = append(succ[e.Source], e.Target)
	}

	var ready []int
	for i, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]types.Node, 0, len(nodes))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, nodes[cur])

		for _, next := range succ[nodes[cur].ID] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = insertSorted(ready, pos[next])
			}
		}
	}

	if len(order) != len(nodes) {
		return order, fmt.Errorf("%w: %d of %d nodes ordered", ErrCycle, len(order), len(nodes))
	}
	return order, nil
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
