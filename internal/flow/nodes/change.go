package nodes

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// ChangeRule is one entry in a change node's ordered rule list. ValueType
// "expr" evaluates Value (a JS expression string) against the message's
// current payload via the same Goja engine the function node uses, rather
// than treating Value as a literal — this is what makes rules like
// {op: "set", path: "payload.x", value: "payload.x + 1", value_type: "expr"}
// expressible.
type ChangeRule struct {
	Op        string `json:"op"` // set, delete, move
	Path      string `json:"path"`
	From      string `json:"from"` // move only
	Value     any    `json:"value"`
	ValueType string `json:"value_type,omitempty"` // "" (literal) or "expr"
}

// Change applies an ordered rule list (option "rules") to the message. A
// failing rule is logged and skipped; remaining rules still apply — no
// rule failure aborts the node.
var Change = noderegistry.Definition{
	Type:     "change",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		var rules []ChangeRule
		decodeOption(cfg, "rules", &rules)

		out := in.Clone()
		for _, rule := range rules {
			if err := applyChangeRule(out, rule); err != nil {
				h.Warn(fmt.Sprintf("change: rule %+v: %v", rule, err))
			}
		}
		return out, nil
	},
}

func applyChangeRule(msg *flowmsg.Message, rule ChangeRule) error {
	switch rule.Op {
	case "set":
		value := rule.Value
		if rule.ValueType == "expr" {
			expr, _ := rule.Value.(string)
			evaluated, err := evalChangeExpr(expr, msg)
			if err != nil {
				return fmt.Errorf("evaluate expr %q: %w", expr, err)
			}
			value = evaluated
		}
		SetPath(msg, rule.Path, value)
		return nil
	case "delete":
		DeletePath(msg, rule.Path)
		return nil
	case "move":
		v := GetPath(msg, rule.From).Value()
		DeletePath(msg, rule.From)
		SetPath(msg, rule.Path, v)
		return nil
	default:
		return fmt.Errorf("unknown op %q", rule.Op)
	}
}

// evalChangeExpr evaluates expr as a JavaScript expression with the
// message's current payload bound as "payload", reusing the function
// node's Goja engine rather than a second expression language.
func evalChangeExpr(expr string, msg *flowmsg.Message) (any, error) {
	rt := goja.New()
	if err := rt.Set("payload", msg.Payload()); err != nil {
		return nil, err
	}
	val, err := rt.RunString(expr)
	if err != nil {
		return nil, err
	}
	return val.Export(), nil
}
