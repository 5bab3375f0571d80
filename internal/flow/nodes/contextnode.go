package nodes

import (
	"context"
	"fmt"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// Context runs get/set/keys/delete against flow-scope or global-scope by a
// configured key (options: "scope" ∈ {flow, global}, "action" ∈
// {get,set,delete,keys}, "key"). get/keys write the result to the message
// payload; set stores the current payload; delete and keys ignore the
// payload on input.
var Context = noderegistry.Definition{
	Type:     "context",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		scope := stringOption(cfg, "scope", "flow")
		action := stringOption(cfg, "action", "get")
		key := stringOption(cfg, "key", "")

		nc := h.Context()
		out := in.Clone()

		switch action {
		case "get":
			var v any
			var ok bool
			var err error
			if scope == "global" {
				v, ok, err = nc.GlobalGet(ctx, key)
			} else {
				v, ok, err = nc.FlowGet(ctx, key)
			}
			if err != nil {
				return nil, err
			}
			if !ok {
				v = nil
			}
			out.SetPayload(v)
		case "set":
			var err error
			if scope == "global" {
				err = nc.GlobalSet(ctx, key, in.Payload())
			} else {
				err = nc.FlowSet(ctx, key, in.Payload())
			}
			if err != nil {
				return nil, err
			}
		case "delete":
			var err error
			if scope == "global" {
				err = nc.GlobalDelete(ctx, key)
			} else {
				err = nc.FlowDelete(ctx, key)
			}
			if err != nil {
				return nil, err
			}
		case "keys":
			var keys []string
			var err error
			if scope == "global" {
				keys, err = nc.GlobalKeys(ctx)
			} else {
				keys, err = nc.FlowKeys(ctx)
			}
			if err != nil {
				return nil, err
			}
			out.SetPayload(keys)
		default:
			return nil, fmt.Errorf("context node: unknown action %q", action)
		}
		return out, nil
	},
}
