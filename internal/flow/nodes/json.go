package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// JSON parses or stringifies the configured property (default "payload").
// When action is empty, direction is inferred from the property's current
// Go type: a string is parsed, anything else is stringified.
var JSON = noderegistry.Definition{
	Type:     "json",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		property := stringOption(cfg, "property", "payload")
		action := stringOption(cfg, "action", "")

		out := in.Clone()
		current := fieldValue(out, property)

		if action == "" {
			if _, isString := current.(string); isString {
				action = "parse"
			} else {
				action = "stringify"
			}
		}

		switch action {
		case "parse":
			s, ok := current.(string)
			if !ok {
				return nil, fmt.Errorf("json node: %s is not a string, cannot parse", property)
			}
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return nil, fmt.Errorf("json node: parse %s: %w", property, err)
			}
			setFieldValue(out, property, parsed)
		case "stringify":
			data, err := json.Marshal(current)
			if err != nil {
				return nil, fmt.Errorf("json node: stringify %s: %w", property, err)
			}
			setFieldValue(out, property, string(data))
		default:
			return nil, fmt.Errorf("json node: unknown action %q", action)
		}
		return out, nil
	},
}

func fieldValue(msg *flowmsg.Message, property string) any {
	if property == "payload" {
		return msg.Payload()
	}
	return GetPath(msg, property).Value()
}

func setFieldValue(msg *flowmsg.Message, property string, value any) {
	if property == "payload" {
		msg.SetPayload(value)
		return
	}
	SetPath(msg, property, value)
}
