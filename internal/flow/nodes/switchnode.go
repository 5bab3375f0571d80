package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// SwitchRule is one branch test in a switch node's rule list.
type SwitchRule struct {
	Path   string `json:"path"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
	Value2 any    `json:"value2"` // btwn upper bound
	To     string `json:"to"`     // istype target type name
}

// Switch emits a clone of the input on output i for every rule i that
// matches, in rule order; when "checkall" is false (default) evaluation
// stops after the first match.
var Switch = noderegistry.Definition{
	Type:     "switch",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		var rules []SwitchRule
		decodeOption(cfg, "rules", &rules)
		checkAll := boolOption(cfg, "checkall", false)

		outputs := make([]any, len(rules))
		for i, rule := range rules {
			matched, err := evalSwitchRule(in, rule)
			if err != nil {
				h.Warn(fmt.Sprintf("switch: rule %d: %v", i, err))
				continue
			}
			if matched {
				outputs[i] = in.Clone()
				if !checkAll {
					break
				}
			}
		}
		return outputs, nil
	},
}

func evalSwitchRule(msg *flowmsg.Message, rule SwitchRule) (bool, error) {
	result := GetPath(msg, rule.Path)

	switch rule.Op {
	case "true":
		return result.Type == gjson.True, nil
	case "false":
		return result.Type == gjson.False, nil
	case "null":
		return !result.Exists() || result.Type == gjson.Null, nil
	case "nnull":
		return result.Exists() && result.Type != gjson.Null, nil
	case "empty":
		return switchIsEmpty(result), nil
	case "nempty":
		return result.Exists() && !switchIsEmpty(result), nil
	case "istype":
		return switchTypeName(result) == rule.To, nil
	case "cont":
		return strings.Contains(result.String(), fmt.Sprint(rule.Value)), nil
	case "regex":
		re, err := regexp.Compile(fmt.Sprint(rule.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(result.String()), nil
	case "eq":
		return compareSwitchValue(result, rule.Value) == 0, nil
	case "neq":
		return compareSwitchValue(result, rule.Value) != 0, nil
	case "lt":
		return compareSwitchValue(result, rule.Value) < 0, nil
	case "lte":
		return compareSwitchValue(result, rule.Value) <= 0, nil
	case "gt":
		return compareSwitchValue(result, rule.Value) > 0, nil
	case "gte":
		return compareSwitchValue(result, rule.Value) >= 0, nil
	case "btwn":
		return compareSwitchValue(result, rule.Value) >= 0 && compareSwitchValue(result, rule.Value2) <= 0, nil
	default:
		return false, fmt.Errorf("unknown op %q", rule.Op)
	}
}

func switchIsEmpty(result gjson.Result) bool {
	if !result.Exists() {
		return true
	}
	switch {
	case result.IsArray(), result.IsObject():
		return len(result.Array()) == 0 && len(result.Map()) == 0
	case result.Type == gjson.String:
		return result.String() == ""
	default:
		return false
	}
}

func switchTypeName(result gjson.Result) string {
	if !result.Exists() {
		return "undefined"
	}
	switch result.Type {
	case gjson.Null:
		return "null"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	case gjson.JSON:
		if result.IsArray() {
			return "array"
		}
		return "object"
	default:
		return "undefined"
	}
}

// compareSwitchValue compares a gjson result against a decoded-JSON
// expected value, numerically when both sides parse as numbers and
// lexically otherwise; returns -1/0/1.
func compareSwitchValue(result gjson.Result, expected any) int {
	if expectedNum, ok := asFloat(expected); ok && result.Type == gjson.Number {
		switch actual := result.Float(); {
		case actual < expectedNum:
			return -1
		case actual > expectedNum:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(result.String(), fmt.Sprint(expected))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
