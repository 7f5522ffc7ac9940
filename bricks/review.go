package bricks

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/songzhibin97/play-engine/rules"
	"github.com/songzhibin97/play-engine/types"
)

// Review outcomes chosen by the reviewer.
const (
	OutcomePass = "pass"
	OutcomeFail = "fail"
)

const maxScore = 10

// Review records a checklist or a score sheet together with the reviewer's outcome.
// Scores are recorded as given and never turned into an outcome.
type Review struct{}

// Execute implements Executor.
func (Review) Execute(_ context.Context, req Request) (Result, error) {
	cfg, ok := req.Config.(types.ReviewConfig)
	if !ok {
		return Result{}, mismatch(types.CategoryReview, req.Config)
	}
	ec := execContext(req)

	mode := cfg.Mode
	if mode == "" {
		mode = types.ReviewChecklist
	}
	if mode != types.ReviewChecklist && mode != types.ReviewScored {
		return failed("unknown review mode %q", cfg.Mode), nil
	}

	submitted, _ := ec.Submission["criteria"].(map[string]interface{})
	recorded := make(map[string]interface{}, len(cfg.Criteria))
	var missing []string
	invalid := make(map[string]interface{})

	for _, c := range cfg.Criteria {
		v, present := submitted[c.ID]
		if !present || v == nil {
			missing = append(missing, c.ID)
			continue
		}
		switch mode {
		case types.ReviewChecklist:
			b, ok := v.(bool)
			if !ok {
				invalid[c.ID] = "must be true or false"
				continue
			}
			recorded[c.ID] = b
		case types.ReviewScored:
			n, ok := rules.ToFloat(v)
			if !ok || n < 0 || n > maxScore {
				invalid[c.ID] = fmt.Sprintf("must be a score between 0 and %d", maxScore)
				continue
			}
			recorded[c.ID] = n
		}
	}

	outcome := ec.SubmissionString("outcome")
	switch outcome {
	case OutcomePass, OutcomeFail:
	case "":
		missing = append(missing, "outcome")
	default:
		invalid["outcome"] = "must be pass or fail"
	}

	if len(missing) > 0 || len(invalid) > 0 {
		criteria := make([]string, 0, len(cfg.Criteria))
		for _, c := range cfg.Criteria {
			criteria = append(criteria, c.ID)
		}
		return Result{
			Status:      types.StatusWaitingForInput,
			Description: reviewDescription(mode, missing, invalid),
			RuntimeConfig: map[string]interface{}{
				"mode":             mode,
				"missing_criteria": missing,
				"invalid_criteria": invalid,
			},
		}, nil
	}

	outputs := map[string]interface{}{
		"mode":        mode,
		"criteria":    recorded,
		"outcome":     outcome,
		"reviewed_by": ec.User.ID,
	}
	if comments := ec.SubmissionString("comments"); comments != "" {
		outputs["comments"] = comments
	}
	return completed(outputs), nil
}

func reviewDescription(mode string, missing []string, invalid map[string]interface{}) string {
	desc := mode + " review"
	if len(missing) > 0 {
		desc += "; missing: " + strings.Join(missing, ", ")
	}
	if len(invalid) > 0 {
		names := make([]string, 0, len(invalid))
		for k := range invalid {
			names = append(names, k)
		}
		sort.Strings(names)
		desc += "; invalid: " + strings.Join(names, ", ")
	}
	return desc
}
