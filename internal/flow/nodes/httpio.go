package nodes

import (
	"context"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// HTTPIn is a pure pass-through of the inbound message at the graph entry.
// The path/method it declares is read by the route resolver/catalog, not by
// Execute — an http-in node never runs standalone, only as a Trigger entry.
var HTTPIn = noderegistry.Definition{
	Type:     "http-in",
	Category: "input",
	Inputs:   0,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		return in, nil
	},
}

// HTTPResponse writes the terminal HTTP response descriptor and returns no
// output; the engine observes in.HTTPResponse after Execute returns and
// captures it as the trigger's response (first writer wins).
var HTTPResponse = noderegistry.Definition{
	Type:     "http-response",
	Category: "output",
	Inputs:   1,
	Outputs:  0,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		status := int(floatOption(cfg, "status_code", 200))

		headers := map[string]string{}
		var cfgHeaders map[string]string
		if decodeOption(cfg, "headers", &cfgHeaders) {
			for k, v := range cfgHeaders {
				headers[k] = v
			}
		}
		if msgHeaders, ok := in.Fields["headers"].(map[string]any); ok {
			for k, v := range msgHeaders {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}

		in.HTTPResponse = &flowmsg.HTTPResponse{
			StatusCode: status,
			Headers:    headers,
			Payload:    in.Payload(),
		}
		return nil, nil
	},
}
