package nodes

import (
	"context"
	"time"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// Delay suspends the current branch for a configured duration (option
// "ms", default 0) before emitting the message unchanged. The suspension
// point is cancellable: a cancelled trigger context aborts the wait rather
// than emitting late.
var Delay = noderegistry.Definition{
	Type:     "delay",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		ms := floatOption(cfg, "ms", 0)
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		return in, nil
	},
}
