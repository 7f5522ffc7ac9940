package rules

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/songzhibin97/play-engine/types"
)

// Match evaluates field conditions against fields. Conditions are combined with AND
// unless logic is OR. A missing field never matches.
func Match(conds []types.Condition, logic types.Logic, fields map[string]interface{}) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	any := logic == types.LogicOr
	for _, c := range conds {
		ok, err := MatchOne(c, fields)
		if err != nil {
			return false, err
		}
		if any && ok {
			return true, nil
		}
		if !any && !ok {
			return false, nil
		}
	}
	return !any, nil
}

// MatchOne evaluates a single condition.
func MatchOne(c types.Condition, fields map[string]interface{}) (bool, error) {
	actual, ok := fields[c.Field]
	if !ok || actual == nil {
		return false, nil
	}

	af, aNum := toFloat(actual)
	ef, eNum := toFloat(c.Value)
	numeric := aNum && eNum

	switch c.Operator {
	case "=", "==":
		if numeric {
			return af == ef, nil
		}
		return fmt.Sprint(actual) == fmt.Sprint(c.Value), nil
	case "!=":
		if numeric {
			return af != ef, nil
		}
		return fmt.Sprint(actual) != fmt.Sprint(c.Value), nil
	case ">", "<", ">=", "<=":
		if !numeric {
			return false, fmt.Errorf("operator %q on field %q needs numeric operands, got %T and %T", c.Operator, c.Field, actual, c.Value)
		}
		switch c.Operator {
		case ">":
			return af > ef, nil
		case "<":
			return af < ef, nil
		case ">=":
			return af >= ef, nil
		default:
			return af <= ef, nil
		}
	}
	return false, fmt.Errorf("unsupported operator %q on field %q", c.Operator, c.Field)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ToFloat converts a numeric value (or numeric string) to float64.
func ToFloat(v interface{}) (float64, bool) {
	return toFloat(v)
}
