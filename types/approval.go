package types

import "time"

// ApprovalMode controls whether approvers act in order or concurrently.
type ApprovalMode string

const (
	ModeSerial   ApprovalMode = "serial"
	ModeParallel ApprovalMode = "parallel"
)

// Threshold is the voting rule of a gate.
type Threshold string

const (
	ThresholdUnanimous  Threshold = "unanimous"
	ThresholdMinimum    Threshold = "minimum"
	ThresholdPercentage Threshold = "percentage"
	ThresholdAnyOne     Threshold = "any_one"
)

// ApprovalStatus is the status of one gate activation.
type ApprovalStatus string

const (
	ApprovalPending          ApprovalStatus = "pending"
	ApprovalApproved         ApprovalStatus = "approved"
	ApprovalRejected         ApprovalStatus = "rejected"
	ApprovalChangesRequested ApprovalStatus = "changes_requested"
)

// IsOpen reports whether the gate still accepts decisions.
func (s ApprovalStatus) IsOpen() bool {
	return s == ApprovalPending || s == ApprovalChangesRequested
}

// Decision is one approver's vote.
type Decision string

const (
	DecisionApproved         Decision = "approved"
	DecisionRejected         Decision = "rejected"
	DecisionChangesRequested Decision = "changes_requested"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionChangesRequested:
		return true
	}
	return false
}

// IsFinal reports whether d is a counted vote. A user casts at most one per gate.
func (d Decision) IsFinal() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Logic combines a list of conditions.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition is a single {field, operator, value} predicate over workstream fields.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// ApprovalRoute is one gate of an approval template.
type ApprovalRoute struct {
	Position                 int          `json:"position" yaml:"position"`
	Name                     string       `json:"name,omitempty" yaml:"name,omitempty"`
	ApprovalMode             ApprovalMode `json:"approval_mode" yaml:"approval_mode"`
	ApprovalThreshold        Threshold    `json:"approval_threshold,omitempty" yaml:"approval_threshold,omitempty"`
	MinimumApprovals         int          `json:"minimum_approvals,omitempty" yaml:"minimum_approvals,omitempty"`
	PercentageRequired       int          `json:"percentage_required,omitempty" yaml:"percentage_required,omitempty"`
	Approvers                []string     `json:"approvers" yaml:"approvers"`
	IsConditional            bool         `json:"is_conditional,omitempty" yaml:"is_conditional,omitempty"`
	Conditions               []Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ConditionLogic           Logic        `json:"condition_logic,omitempty" yaml:"condition_logic,omitempty"`
	AutoApprovalEnabled      bool         `json:"auto_approval_enabled,omitempty" yaml:"auto_approval_enabled,omitempty"`
	AutoApprovalConditions   []Condition  `json:"auto_approval_conditions,omitempty" yaml:"auto_approval_conditions,omitempty"`
	AutoApprovalLogic        Logic        `json:"auto_approval_logic,omitempty" yaml:"auto_approval_logic,omitempty"`
	AutoApprovalFallbackRole string       `json:"auto_approval_fallback_role,omitempty" yaml:"auto_approval_fallback_role,omitempty"`
	SLA                      string       `json:"sla,omitempty" yaml:"sla,omitempty"`
}

// ApprovalTemplate is an ordered list of gates.
type ApprovalTemplate struct {
	ID     string          `json:"id" yaml:"id"`
	Name   string          `json:"name" yaml:"name"`
	Routes []ApprovalRoute `json:"routes" yaml:"routes"`
}

// ApprovalRecord is one activation of one gate for one workstream.
type ApprovalRecord struct {
	ID           uint64         `json:"id"`
	WorkstreamID string         `json:"workstream_id"`
	TemplateID   string         `json:"template_id"`
	PlayID       string         `json:"play_id,omitempty"`
	NodeID       string         `json:"node_id,omitempty"`
	Position     int            `json:"current_gate"`
	Status       ApprovalStatus `json:"status"`
	Approvers    []string       `json:"approvers"`
	Mode         ApprovalMode   `json:"approval_mode"`
	Threshold    Threshold      `json:"approval_threshold"`
	Minimum      int            `json:"minimum_approvals,omitempty"`
	Percentage   int            `json:"percentage_required,omitempty"`
	AutoApproved bool           `json:"auto_approved,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	DueAt        *time.Time     `json:"due_at,omitempty"`
}

// ApprovalDecision is an immutable vote against an ApprovalRecord.
type ApprovalDecision struct {
	ID         uint64    `json:"id"`
	ApprovalID uint64    `json:"approval_id"`
	DecidedBy  string    `json:"decided_by"`
	Decision   Decision  `json:"decision"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
