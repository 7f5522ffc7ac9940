package bricks

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/play-engine/types"
)

// DefaultDecisionOptions are offered when an approval node names no options.
var DefaultDecisionOptions = []string{"approve", "reject", "request_info"}

// Submission keys read by the approval executor.
const (
	KeyDecision       = "decision"
	KeyReasoning      = "reasoning"
	KeyApprovalStatus = "approval_status"
)

// Approval asks for a human decision. With a template it instead waits for the gate
// sequence of that template; threshold logic lives in the approval package.
type Approval struct{}

// Execute implements Executor.
func (Approval) Execute(_ context.Context, req Request) (Result, error) {
	cfg, ok := req.Config.(types.ApprovalConfig)
	if !ok {
		return Result{}, mismatch(types.CategoryApproval, req.Config)
	}
	ec := execContext(req)

	if cfg.TemplateID != "" {
		return sequenceResult(cfg, ec), nil
	}

	options := cfg.Options
	if len(options) == 0 {
		options = DefaultDecisionOptions
	}

	decision := ec.SubmissionString(KeyDecision)
	if decision == "" {
		desc := cfg.Prompt
		if desc == "" {
			desc = "decision required: " + strings.Join(options, ", ")
		}
		return Result{
			Status:        types.StatusWaitingForInput,
			Description:   desc,
			RuntimeConfig: map[string]interface{}{"options": options},
		}, nil
	}

	if !contains(options, decision) {
		return Result{}, types.ValidationErrors{{
			Path:    KeyDecision,
			Code:    types.CodeInvalidEnum,
			Message: fmt.Sprintf("decision %q is not one of %s", decision, strings.Join(options, ", ")),
		}}
	}

	outputs := map[string]interface{}{
		KeyDecision:  decision,
		"decided_by": ec.User.ID,
	}
	if r := ec.SubmissionString(KeyReasoning); r != "" {
		outputs[KeyReasoning] = r
	}
	return completed(outputs), nil
}

func sequenceResult(cfg types.ApprovalConfig, ec *types.ExecutionContext) Result {
	switch types.ApprovalStatus(ec.SubmissionString(KeyApprovalStatus)) {
	case types.ApprovalApproved:
		return completed(map[string]interface{}{
			KeyApprovalStatus: string(types.ApprovalApproved),
			"template_id":     cfg.TemplateID,
		})
	case types.ApprovalRejected:
		r := failed("approval sequence %s was rejected", cfg.TemplateID)
		r.Outputs = map[string]interface{}{KeyApprovalStatus: string(types.ApprovalRejected)}
		return r
	}
	return Result{
		Status:      types.StatusWaitingForEvent,
		Description: fmt.Sprintf("waiting for approval sequence %s", cfg.TemplateID),
		RuntimeConfig: map[string]interface{}{
			"template_id":     cfg.TemplateID,
			KeyApprovalStatus: string(types.ApprovalPending),
		},
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
