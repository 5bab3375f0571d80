package nodes

import (
	"context"

	"github.com/flowmesh/runtime/internal/flow/sandbox"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// Function runs a user-supplied JavaScript expression (option "code") in a
// fresh sandbox per invocation and returns its exported value under the
// standard node-output semantics: on a node with more than one wire, a
// returned array no longer than the wire count fans out one slot per output
// (§4.D); anything else is a single output-0 message.
var Function = noderegistry.Definition{
	Type:     "function",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		source := stringOption(cfg, "code", "")
		return sandbox.Run(ctx, source, h, in, h.Context().Env())
	},
}
