package nodes

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// Split emits each element of an array, object, or delimited string (option
// "delimiter", default "\n") as a separate message sharing one stream id, in
// index order. The single logical output can carry more than one produced
// message, per the node-output semantics' nested-array rule.
var Split = noderegistry.Definition{
	Type:     "split",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		delimiter := stringOption(cfg, "delimiter", "\n")

		elements, partsType := splitElements(in.Payload(), delimiter)
		streamID := uuid.NewString()
		count := len(elements)

		msgs := make([]any, 0, count)
		for i, el := range elements {
			m := flowmsg.New()
			m.Topic = in.Topic
			m.SetPayload(el)
			m.Parts = &flowmsg.Parts{ID: streamID, Index: i, Count: count, Type: partsType}
			msgs = append(msgs, m)
		}
		return []any{msgs}, nil
	},
}

func splitElements(payload any, delimiter string) ([]any, string) {
	switch v := payload.(type) {
	case []any:
		return v, "array"
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, map[string]any{"key": k, "value": v[k]})
		}
		return out, "object"
	case string:
		parts := strings.Split(v, delimiter)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, "string"
	default:
		return []any{v}, "array"
	}
}
