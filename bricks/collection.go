package bricks

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/songzhibin97/play-engine/rules"
	"github.com/songzhibin97/play-engine/types"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Collection gathers form fields. Values are read from resolved inputs, then from the
// partial outputs of a previous suspended run, then from the submission; later sources win.
type Collection struct{}

// Execute implements Executor.
func (Collection) Execute(_ context.Context, req Request) (Result, error) {
	cfg, ok := req.Config.(types.CollectionConfig)
	if !ok {
		return Result{}, mismatch(types.CategoryCollection, req.Config)
	}
	ec := execContext(req)

	values := make(map[string]interface{}, len(req.Inputs)+len(ec.Submission))
	for _, src := range []map[string]interface{}{req.Inputs, ec.Partial, ec.Submission} {
		for k, v := range src {
			values[k] = v
		}
	}

	outputs := make(map[string]interface{}, len(cfg.Fields))
	var missing []string
	invalid := make(map[string]interface{})

	for _, f := range cfg.Fields {
		v, present := values[f.Name]
		if !present || isEmpty(v) {
			if f.Required || hasRule(f, types.RuleRequired) {
				missing = append(missing, f.Name)
			}
			continue
		}
		msg, err := checkRules(f, v)
		if err != nil {
			return failed("field %q: %v", f.Name, err), nil
		}
		if msg != "" {
			invalid[f.Name] = msg
			continue
		}
		outputs[f.Name] = v
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return completed(outputs), nil
	}

	return Result{
		Status:      types.StatusWaitingForInput,
		Outputs:     outputs,
		Description: describeMissing(missing, invalid),
		RuntimeConfig: map[string]interface{}{
			"missing_fields": missing,
			"invalid_fields": invalid,
		},
	}, nil
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func hasRule(f types.FieldDefinition, kind string) bool {
	for _, r := range f.Rules {
		if r.Type == kind {
			return true
		}
	}
	return false
}

// checkRules returns the message of the first failing rule, or "" when v is valid.
// An error means the rule itself is misconfigured.
func checkRules(f types.FieldDefinition, v interface{}) (string, error) {
	for _, r := range f.Rules {
		msg, err := checkRule(r, v)
		if err != nil {
			return "", err
		}
		if msg == "" {
			continue
		}
		if r.Message != "" {
			return r.Message, nil
		}
		return msg, nil
	}
	return "", nil
}

func checkRule(r types.ValidationRule, v interface{}) (string, error) {
	switch r.Type {
	case types.RuleRequired:
		return "", nil
	case types.RuleEmail:
		s, ok := v.(string)
		if !ok || !emailPattern.MatchString(strings.TrimSpace(s)) {
			return "must be a valid email address", nil
		}
	case types.RuleRange:
		n, ok := rules.ToFloat(v)
		if !ok {
			return "must be a number", nil
		}
		if r.Min != nil && n < *r.Min {
			return fmt.Sprintf("must be at least %g", *r.Min), nil
		}
		if r.Max != nil && n > *r.Max {
			return fmt.Sprintf("must be at most %g", *r.Max), nil
		}
	case types.RuleLength:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		n := float64(utf8.RuneCountInString(s))
		if r.Min != nil && n < *r.Min {
			return fmt.Sprintf("must be at least %g characters", *r.Min), nil
		}
		if r.Max != nil && n > *r.Max {
			return fmt.Sprintf("must be at most %g characters", *r.Max), nil
		}
	case types.RulePattern:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return "", fmt.Errorf("invalid pattern %q: %w", r.Pattern, err)
		}
		if !re.MatchString(fmt.Sprint(v)) {
			return "has an invalid format", nil
		}
	default:
		return "", fmt.Errorf("unknown validation rule %q", r.Type)
	}
	return "", nil
}

func describeMissing(missing []string, invalid map[string]interface{}) string {
	parts := make([]string, 0, 2)
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		names := make([]string, 0, len(invalid))
		for k := range invalid {
			names = append(names, k)
		}
		sort.Strings(names)
		parts = append(parts, "invalid: "+strings.Join(names, ", "))
	}
	return strings.Join(parts, "; ")
}
