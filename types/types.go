package types

import "time"

// NodeType is the structural role of a node in a play.
type NodeType string

const (
	NodeTypeStart    NodeType = "start"
	NodeTypeEnd      NodeType = "end"
	NodeTypeFork     NodeType = "fork"
	NodeTypeJoin     NodeType = "join"
	NodeTypeDecision NodeType = "decision"
	NodeTypeBrick    NodeType = "brick"
)

// IsControl reports whether the node only routes control and runs no brick logic.
func (t NodeType) IsControl() bool {
	switch t {
	case NodeTypeStart, NodeTypeEnd, NodeTypeFork, NodeTypeJoin, NodeTypeDecision:
		return true
	}
	return false
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	return t == NodeTypeBrick || t.IsControl()
}

// BrickCategory selects the executor of a brick node.
type BrickCategory string

const (
	CategoryCollection    BrickCategory = "collection"
	CategoryApproval      BrickCategory = "approval"
	CategoryReview        BrickCategory = "review"
	CategoryDocumentation BrickCategory = "documentation"
	CategoryCommitment    BrickCategory = "commitment"
)

// Categories lists every brick category in a stable order.
var Categories = []BrickCategory{
	CategoryCollection,
	CategoryApproval,
	CategoryReview,
	CategoryDocumentation,
	CategoryCommitment,
}

// NodeStatus is the execution status of one node for one workstream.
type NodeStatus string

const (
	StatusNotStarted      NodeStatus = "not_started"
	StatusWaitingForInput NodeStatus = "waiting_for_input"
	StatusWaitingForEvent NodeStatus = "waiting_for_event"
	StatusRunning         NodeStatus = "running"
	StatusCompleted       NodeStatus = "completed"
	StatusFailed          NodeStatus = "failed"
)

// IsWaiting reports whether the status is one of the two suspension states.
func (s NodeStatus) IsWaiting() bool {
	return s == StatusWaitingForInput || s == StatusWaitingForEvent
}

// Play is a named DAG of nodes.
type Play struct {
	ID                 string `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	Nodes              []Node `json:"nodes" yaml:"nodes"`
	Edges              []Edge `json:"edges" yaml:"edges"`
	ApprovalTemplateID string `json:"approval_template_id,omitempty" yaml:"approval_template_id,omitempty"`
}

// Node represents a node in the play. The order of Play.Nodes is the node creation order.
type Node struct {
	ID        string                 `json:"id" yaml:"id"`
	Type      NodeType               `json:"type" yaml:"type"`
	Category  BrickCategory          `json:"brick_category,omitempty" yaml:"brick_category,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Metadata  NodeMetadata           `json:"metadata" yaml:"metadata"`
	Inputs    []InputSlot            `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Condition string                 `json:"condition,omitempty" yaml:"condition,omitempty"`
	SLA       string                 `json:"sla,omitempty" yaml:"sla,omitempty"`
}

// NodeMetadata holds display information.
type NodeMetadata struct {
	Label string `json:"label" yaml:"label"`
}

// InputSlot declares a value a node reads before it runs.
type InputSlot struct {
	Name     string      `json:"name" yaml:"name"`
	Required bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// Edge is a directed connection. Condition is only read on edges leaving a decision node.
type Edge struct {
	Source    string `json:"source_node_id" yaml:"source"`
	Target    string `json:"target_node_id" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// NodeExecutionState is the durable status of one node for one workstream.
type NodeExecutionState struct {
	WorkstreamID  string                 `json:"workstream_id"`
	PlayID        string                 `json:"play_id"`
	NodeID        string                 `json:"node_id"`
	Status        NodeStatus             `json:"status"`
	Outputs       map[string]interface{} `json:"outputs,omitempty"`
	PendingAction *PendingAction         `json:"pending_action,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Skipped       bool                   `json:"skipped,omitempty"`
	Attempts      int                    `json:"attempts"`
	Version       int                    `json:"version"`
	DueAt         *time.Time             `json:"due_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// StatusOf returns the status of nodeID in states, not_started when absent.
func StatusOf(states map[string]NodeExecutionState, nodeID string) NodeStatus {
	st, ok := states[nodeID]
	if !ok || st.Status == "" {
		return StatusNotStarted
	}
	return st.Status
}

// PendingAction describes what must be supplied to unblock a suspended node.
type PendingAction struct {
	Type        BrickCategory          `json:"type"`
	NodeID      string                 `json:"node_id"`
	Description string                 `json:"description"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// MergeConfig returns a new map holding base overlaid with override.
func MergeConfig(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
