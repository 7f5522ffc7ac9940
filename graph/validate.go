package graph

import (
	"fmt"

	"github.com/songzhibin97/play-engine/types"
)

func verr(path, code, msg string) types.ValidationError {
	return types.ValidationError{Path: path, Code: code, Message: msg}
}

// ValidatePlay checks a whole play. It never stops at the first problem.
func ValidatePlay(p types.Play) []types.ValidationError {
	var errs []types.ValidationError
	if p.ID == "" {
		errs = append(errs, verr("id", types.CodeRequired, "play id is required"))
	}
	return append(errs, Validate(p.Nodes, p.Edges)...)
}

// Validate checks the node and edge set of a play and returns every problem found.
func Validate(nodes []types.Node, edges []types.Edge) []types.ValidationError {
	var errs []types.ValidationError

	if len(nodes) == 0 {
		return append(errs, verr("nodes", types.CodeRequired, "at least one node is required"))
	}

	ids := make(map[string]bool, len(nodes))
	var starts []string
	for i, n := range nodes {
		np := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			errs = append(errs, verr(np+".id", types.CodeRequired, "node id is required"))
			continue
		}
		if ids[n.ID] {
			errs = append(errs, verr(np+".id", types.CodeDuplicate, fmt.Sprintf("duplicate node id %q", n.ID)))
			continue
		}
		ids[n.ID] = true

		if !n.Type.Valid() {
			errs = append(errs, verr(np+".type", types.CodeInvalidEnum, fmt.Sprintf("invalid node type %q", n.Type)))
		}
		if n.Type == types.NodeTypeStart {
			starts = append(starts, n.ID)
		}
		if n.Type == types.NodeTypeBrick {
			errs = append(errs, validateBrick(np, n)...)
		}
		for j, in := range n.Inputs {
			if in.Name == "" {
				errs = append(errs, verr(fmt.Sprintf("%s.inputs[%d].name", np, j), types.CodeRequired, "input name is required"))
			}
		}
	}

	switch len(starts) {
	case 0:
		errs = append(errs, verr("nodes", types.CodeRequired, "play must have a start node"))
	case 1:
	default:
		errs = append(errs, verr("nodes", types.CodeDuplicate, fmt.Sprintf("play must have exactly one start node, found %d", len(starts))))
	}

	ix := NewIndex(nodes, edges)
	var valid []types.Edge
	for i, e := range edges {
		ep := fmt.Sprintf("edges[%d]", i)
		ok := true
		if !ids[e.Source] {
			errs = append(errs, verr(ep+".source", types.CodeNotFound, fmt.Sprintf("node %q not found", e.Source)))
			ok = false
		}
		if !ids[e.Target] {
			errs = append(errs, verr(ep+".target", types.CodeNotFound, fmt.Sprintf("node %q not found", e.Target)))
			ok = false
		}
		if !ok {
			continue
		}
		if e.Source == e.Target {
			errs = append(errs, verr(ep, types.CodeCycle, fmt.Sprintf("self loop on node %q", e.Source)))
			continue
		}
		if src, _ := ix.Node(e.Source); e.Condition != "" && src.Type != types.NodeTypeDecision {
			errs = append(errs, verr(ep+".condition", types.CodeInvalid, fmt.Sprintf("condition on edge from non-decision node %q", e.Source)))
		}
		if tgt, _ := ix.Node(e.Target); tgt.Type == types.NodeTypeStart {
			errs = append(errs, verr(ep+".target", types.CodeInvalid, "start node cannot have incoming edges"))
		}
		valid = append(valid, e)
	}

	errs = append(errs, findCycles(nodes, valid)...)

	if len(starts) == 1 {
		reached := reachable(starts[0], valid)
		for i, n := range nodes {
			if n.ID != "" && !reached[n.ID] {
				errs = append(errs, verr(fmt.Sprintf("nodes[%d]", i), types.CodeUnreachable, fmt.Sprintf("node %q is not reachable from start", n.ID)))
			}
		}
	}

	return errs
}

func validateBrick(np string, n types.Node) []types.ValidationError {
	known := false
	for _, c := range types.Categories {
		if n.Category == c {
			known = true
		}
	}
	if n.Category == "" {
		return []types.ValidationError{verr(np+".brick_category", types.CodeRequired, "brick category is required")}
	}
	if !known {
		return []types.ValidationError{verr(np+".brick_category", types.CodeInvalidEnum, fmt.Sprintf("invalid brick category %q", n.Category))}
	}
	if _, err := types.DecodeBrickConfig(n.Category, n.Config); err != nil {
		return []types.ValidationError{verr(np+".config", types.CodeInvalid, err.Error())}
	}
	return nil
}

const (
	white = iota
	grey
	black
)

// findCycles runs a three-colour DFS in creation order and reports each back edge.
func findCycles(nodes []types.Node, edges []types.Edge) []types.ValidationError {
	succ := make(map[string][]string)
	for _, e := range edges {
		succ[e.Source] = append(succ[e.Source], e.Target)
	}
	color := make(map[string]int, len(nodes))
	var errs []types.ValidationError

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, next := range succ[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				errs = append(errs, verr("edges", types.CodeCycle, fmt.Sprintf("cycle detected through %q -> %q", id, next)))
			}
		}
		color[id] = black
	}
	for _, n := range nodes {
		if n.ID != "" && color[n.ID] == white {
			visit(n.ID)
		}
	}
	return errs
}

func reachable(start string, edges []types.Edge) map[string]bool {
	succ := make(map[string][]string)
	for _, e := range edges {
		succ[e.Source] = append(succ[e.Source], e.Target)
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range succ[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
