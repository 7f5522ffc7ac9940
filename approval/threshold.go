package approval

import (
	"fmt"
	"time"

	"github.com/songzhibin97/play-engine/types"
)

// Outcome is the result of evaluating a gate's tally.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Policy is the voting rule of one gate.
type Policy struct {
	Threshold  types.Threshold
	Minimum    int
	Percentage int
}

// PolicyOf extracts the policy of a route.
func PolicyOf(r types.ApprovalRoute) Policy {
	return Policy{Threshold: r.ApprovalThreshold, Minimum: r.MinimumApprovals, Percentage: r.PercentageRequired}
}

// PolicyOfRecord extracts the policy snapshotted on a record.
func PolicyOfRecord(rec types.ApprovalRecord) Policy {
	return Policy{Threshold: rec.Threshold, Minimum: rec.Minimum, Percentage: rec.Percentage}
}

// Tally counts terminal votes. changes_requested votes are not counted.
type Tally struct {
	Approved int
	Rejected int
}

// TallyOf counts the decisions of a gate.
func TallyOf(decisions []types.ApprovalDecision) Tally {
	var t Tally
	for _, d := range decisions {
		switch d.Decision {
		case types.DecisionApproved:
			t.Approved++
		case types.DecisionRejected:
			t.Rejected++
		}
	}
	return t
}

// Required returns the number of approvals needed among total approvers. A minimum
// above the approver count is kept, so such a gate can never be approved.
func Required(p Policy, total int) int {
	if total <= 0 {
		return 0
	}
	var req int
	switch p.Threshold {
	case types.ThresholdMinimum:
		req = p.Minimum
	case types.ThresholdPercentage:
		req = (total*p.Percentage + 99) / 100
	case types.ThresholdAnyOne:
		req = 1
	default:
		req = total
	}
	if req < 1 {
		req = 1
	}
	return req
}

// Evaluate decides a gate from its tally. A gate with no approvers is approved.
func Evaluate(p Policy, total int, t Tally) Outcome {
	if total <= 0 {
		return OutcomeApproved
	}
	remaining := total - t.Approved - t.Rejected
	if remaining < 0 {
		remaining = 0
	}

	switch p.Threshold {
	case types.ThresholdAnyOne:
		if t.Approved >= 1 {
			return OutcomeApproved
		}
		if t.Rejected >= total {
			return OutcomeRejected
		}
		return OutcomePending
	case types.ThresholdMinimum, types.ThresholdPercentage:
		req := Required(p, total)
		if t.Approved >= req {
			return OutcomeApproved
		}
		if t.Approved+remaining < req {
			return OutcomeRejected
		}
		return OutcomePending
	default:
		if t.Rejected > 0 {
			return OutcomeRejected
		}
		if t.Approved >= total {
			return OutcomeApproved
		}
		return OutcomePending
	}
}

// ValidateRoute reports configuration errors of one route.
func ValidateRoute(r types.ApprovalRoute) []types.ValidationError {
	path := fmt.Sprintf("routes[%d]", r.Position)
	var errs []types.ValidationError
	add := func(field, code, msg string) {
		errs = append(errs, types.ValidationError{Path: path + "." + field, Code: code, Message: msg})
	}

	if r.Position < 1 {
		add("position", types.CodeInvalid, "position must be 1 or greater")
	}
	switch r.ApprovalMode {
	case "", types.ModeSerial, types.ModeParallel:
	default:
		add("approval_mode", types.CodeInvalidEnum, fmt.Sprintf("unknown approval mode %q", r.ApprovalMode))
	}
	switch r.ApprovalThreshold {
	case "", types.ThresholdUnanimous, types.ThresholdAnyOne:
	case types.ThresholdMinimum:
		if r.MinimumApprovals <= 0 {
			add("minimum_approvals", types.CodeInvalid, "minimum threshold needs minimum_approvals greater than 0")
		}
	case types.ThresholdPercentage:
		if r.PercentageRequired <= 0 || r.PercentageRequired > 100 {
			add("percentage_required", types.CodeInvalid, "percentage threshold needs percentage_required between 1 and 100")
		}
	default:
		add("approval_threshold", types.CodeInvalidEnum, fmt.Sprintf("unknown approval threshold %q", r.ApprovalThreshold))
	}
	if len(r.Approvers) == 0 && r.AutoApprovalFallbackRole == "" {
		add("approvers", types.CodeRequired, "at least one approver role or a fallback role is required")
	}
	if r.IsConditional && len(r.Conditions) == 0 {
		add("conditions", types.CodeRequired, "conditional route needs conditions")
	}
	errs = append(errs, validateConditions(path+".conditions", r.Conditions, r.ConditionLogic)...)
	errs = append(errs, validateConditions(path+".auto_approval_conditions", r.AutoApprovalConditions, r.AutoApprovalLogic)...)
	if r.SLA != "" {
		if d, err := time.ParseDuration(r.SLA); err != nil || d <= 0 {
			add("sla", types.CodeInvalid, fmt.Sprintf("sla %q is not a positive duration", r.SLA))
		}
	}
	return errs
}

// ValidateTemplate validates every route and the uniqueness of positions.
func ValidateTemplate(tpl types.ApprovalTemplate) []types.ValidationError {
	var errs []types.ValidationError
	if tpl.ID == "" {
		errs = append(errs, types.ValidationError{Path: "id", Code: types.CodeRequired, Message: "template id is required"})
	}
	if len(tpl.Routes) == 0 {
		errs = append(errs, types.ValidationError{Path: "routes", Code: types.CodeRequired, Message: "template needs at least one route"})
	}
	seen := make(map[int]bool, len(tpl.Routes))
	for _, r := range tpl.Routes {
		if seen[r.Position] {
			errs = append(errs, types.ValidationError{
				Path:    fmt.Sprintf("routes[%d].position", r.Position),
				Code:    types.CodeDuplicate,
				Message: fmt.Sprintf("position %d is used twice", r.Position),
			})
		}
		seen[r.Position] = true
		errs = append(errs, ValidateRoute(r)...)
	}
	return errs
}

var operators = map[string]bool{"=": true, "==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true}

func validateConditions(path string, conds []types.Condition, logic types.Logic) []types.ValidationError {
	var errs []types.ValidationError
	switch logic {
	case "", types.LogicAnd, types.LogicOr:
	default:
		errs = append(errs, types.ValidationError{Path: path, Code: types.CodeInvalidEnum, Message: fmt.Sprintf("unknown logic %q", logic)})
	}
	for i, c := range conds {
		p := fmt.Sprintf("%s[%d]", path, i)
		if c.Field == "" {
			errs = append(errs, types.ValidationError{Path: p + ".field", Code: types.CodeRequired, Message: "field is required"})
		}
		if !operators[c.Operator] {
			errs = append(errs, types.ValidationError{Path: p + ".operator", Code: types.CodeInvalidEnum, Message: fmt.Sprintf("unknown operator %q", c.Operator)})
		}
	}
	return errs
}
