package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// httpRequestClient is a shared, bounded-timeout client. Outbound calls from
// a node body always go through this node rather than raw sockets (§4.D
// note 4: function-node code has no network access of its own).
var httpRequestClient = &http.Client{Timeout: 30 * time.Second}

// HTTPRequest performs an outbound HTTP call (options: "url", "method"
// default GET, "headers"). The response body is mapped into the payload
// per "ret" ∈ {txt, obj, bin} (default txt). A non-2xx response does NOT
// fail the node — it annotates Fields["status_code"] and returns the
// message unchanged in shape.
var HTTPRequest = noderegistry.Definition{
	Type:     "http-request",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		url := stringOption(cfg, "url", "")
		method := stringOption(cfg, "method", "GET")
		ret := stringOption(cfg, "ret", "txt")

		var body io.Reader
		if method != http.MethodGet && method != http.MethodHead {
			data, err := json.Marshal(in.Payload())
			if err != nil {
				return nil, fmt.Errorf("http-request: marshal request body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("http-request: build request: %w", err)
		}
		var headers map[string]string
		decodeOption(cfg, "headers", &headers)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := httpRequestClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http-request: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("http-request: read response: %w", err)
		}

		out := in.Clone()
		switch ret {
		case "obj":
			var parsed any
			if len(data) > 0 {
				if err := json.Unmarshal(data, &parsed); err != nil {
					return nil, fmt.Errorf("http-request: parse response as json: %w", err)
				}
			}
			out.SetPayload(parsed)
		case "bin":
			out.SetPayload(data)
		default:
			out.SetPayload(string(data))
		}
		out.Fields["status_code"] = resp.StatusCode
		return out, nil
	},
}
