package workflow

import (
	"github.com/songzhibin97/play-engine/graph"
	"github.com/songzhibin97/play-engine/types"
)

// OutputTaken lists the targets a decision node routed to.
const OutputTaken = "taken"

// keyMissingInputs holds the unresolved input slots of a node waiting for inputs.
const keyMissingInputs = "missing_inputs"

// previousOutputs flattens the outputs of completed ancestors in creation order, later
// nodes winning, and also exposes each ancestor's outputs under its node id.
func previousOutputs(ix *graph.Index, nodeID string, states map[string]types.NodeExecutionState) map[string]interface{} {
	out := make(map[string]interface{})
	var done []types.Node
	for _, n := range ix.Ancestors(nodeID) {
		st, ok := states[n.ID]
		if !ok || st.Status != types.StatusCompleted || st.Skipped {
			continue
		}
		done = append(done, n)
		for k, v := range st.Outputs {
			out[k] = v
		}
	}
	for _, n := range done {
		if outputs := states[n.ID].Outputs; len(outputs) > 0 {
			out[n.ID] = types.MergeConfig(nil, outputs)
		}
	}
	return out
}

// resolveInputs fills the declared input slots of node. A slot is read from previous
// outputs, then play config, then the submission, then partial outputs, then its default.
// Required slots with no value are returned as missing.
func resolveInputs(node types.Node, ec *types.ExecutionContext) (map[string]interface{}, []string) {
	inputs := make(map[string]interface{}, len(node.Inputs))
	var missing []string
	for _, slot := range node.Inputs {
		if v, ok := lookupInput(slot.Name, ec); ok {
			inputs[slot.Name] = v
			continue
		}
		if slot.Default != nil {
			inputs[slot.Name] = slot.Default
			continue
		}
		if slot.Required {
			missing = append(missing, slot.Name)
		}
	}
	return inputs, missing
}

func lookupInput(name string, ec *types.ExecutionContext) (interface{}, bool) {
	if v, ok := ec.Previous(name); ok && v != nil {
		return v, true
	}
	for _, src := range []map[string]interface{}{ec.PlayConfig, ec.Submission, ec.Partial} {
		if v, ok := src[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// incomingDead reports whether every incoming edge of nodeID is dead. An edge is dead
// when its source was skipped, or its source is a decision node that did not take it.
// Start nodes have no incoming edges and are never dead.
func incomingDead(ix *graph.Index, nodeID string, states map[string]types.NodeExecutionState) bool {
	in := ix.Incoming(nodeID)
	if len(in) == 0 {
		return false
	}
	for _, e := range in {
		if !edgeDead(ix, e, states) {
			return false
		}
	}
	return true
}

func edgeDead(ix *graph.Index, e types.Edge, states map[string]types.NodeExecutionState) bool {
	src, ok := states[e.Source]
	if !ok || src.Status != types.StatusCompleted {
		return false
	}
	if src.Skipped {
		return true
	}
	if n, ok := ix.Node(e.Source); ok && n.Type == types.NodeTypeDecision {
		return !takenTargets(src.Outputs[OutputTaken])[e.Target]
	}
	return false
}

// takenTargets reads the taken list written by a decision node. Stores that round-trip
// through JSON hand it back as []interface{}.
func takenTargets(v interface{}) map[string]bool {
	set := make(map[string]bool)
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			set[s] = true
		}
	case []interface{}:
		for _, s := range list {
			if str, ok := s.(string); ok {
				set[str] = true
			}
		}
	}
	return set
}

// brickConfig returns the raw config of a brick invocation: the static node config, the
// play's default approval template and, while waiting, the runtime state of the pending
// action.
func brickConfig(play types.Play, node types.Node, prev types.NodeExecutionState) map[string]interface{} {
	raw := types.MergeConfig(nil, node.Config)
	if node.Category == types.CategoryApproval && play.ApprovalTemplateID != "" {
		if _, ok := raw["template_id"]; !ok {
			raw["template_id"] = play.ApprovalTemplateID
		}
	}
	if prev.Status.IsWaiting() && prev.PendingAction != nil {
		raw = types.MergeConfig(raw, withoutKey(prev.PendingAction.Config, keyMissingInputs))
	}
	return raw
}

// withoutKey copies m without key.
func withoutKey(m map[string]interface{}, key string) map[string]interface{} {
	if _, ok := m[key]; !ok {
		return m
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}
