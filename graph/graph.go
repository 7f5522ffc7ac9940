// Package graph validates plays and schedules their nodes.
package graph

import "github.com/songzhibin97/play-engine/types"

// Index is a read-only lookup structure over a play's nodes and edges.
type Index struct {
	nodes []types.Node
	order map[string]int
	succ  map[string][]types.Edge
	pred  map[string][]types.Edge
}

// NewIndex builds an Index. The first node wins when ids are duplicated.
func NewIndex(nodes []types.Node, edges []types.Edge) *Index {
	ix := &Index{
		nodes: nodes,
		order: make(map[string]int, len(nodes)),
		succ:  make(map[string][]types.Edge),
		pred:  make(map[string][]types.Edge),
	}
	for i, n := range nodes {
		if _, dup := ix.order[n.ID]; !dup {
			ix.order[n.ID] = i
		}
	}
	for _, e := range edges {
		ix.succ[e.Source] = append(ix.succ[e.Source], e)
		ix.pred[e.Target] = append(ix.pred[e.Target], e)
	}
	return ix
}

// Node returns a node by id.
func (ix *Index) Node(id string) (types.Node, bool) {
	i, ok := ix.order[id]
	if !ok {
		return types.Node{}, false
	}
	return ix.nodes[i], true
}

// Incoming returns the edges ending at id.
func (ix *Index) Incoming(id string) []types.Edge {
	return ix.pred[id]
}

// Outgoing returns the edges leaving id.
func (ix *Index) Outgoing(id string) []types.Edge {
	return ix.succ[id]
}

// Predecessors returns the source nodes of id's incoming edges in creation order.
func (ix *Index) Predecessors(id string) []types.Node {
	seen := make(map[string]bool)
	var out []types.Node
	for _, n := range ix.nodes {
		for _, e := range ix.pred[id] {
			if e.Source == n.ID && !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// Ancestors returns every node with a path to id, in creation order.
func (ix *Index) Ancestors(id string) []types.Node {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range ix.pred[cur] {
			if !seen[e.Source] {
				seen[e.Source] = true
				stack = append(stack, e.Source)
			}
		}
	}
	var out []types.Node
	for _, n := range ix.nodes {
		if seen[n.ID] && n.ID != id {
			out = append(out, n)
		}
	}
	return out
}
