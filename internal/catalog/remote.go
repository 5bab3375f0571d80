package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	service "github.com/flowmesh/runtime/internal/app/core/service"
	"github.com/flowmesh/runtime/infrastructure/errors"
	"github.com/flowmesh/runtime/infrastructure/httputil"
	"github.com/flowmesh/runtime/infrastructure/ratelimit"
	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/pkg/version"
)

// remoteRateLimit caps outbound calls to the admin layer's catalog API at a
// steady 50 req/s with a 100-request burst, so a spike of cache-miss route
// resolutions across many shards can't overwhelm it.
var remoteRateLimit = ratelimit.RateLimitConfig{RequestsPerSecond: 50, Burst: 100}

// RemoteRetryPolicy governs transient-failure retries on the HTTP round
// trips below. Three attempts with short exponential backoff is enough to
// ride out a brief admin-layer blip without holding up route resolution
// for long.
var RemoteRetryPolicy = service.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	Multiplier:     2,
}

// Remote is a Catalog backed by the admin layer's HTTP API (out of scope
// per the package doc, reached here as a client). It has no way to receive
// push notifications over plain HTTP, so Subscribe is a no-op: callers
// fall back to the route-cache TTL, matching the "TTL will otherwise catch
// up" fallback named on the Catalog interface.
type Remote struct {
	baseURL *url.URL
	client  *ratelimit.RateLimitedClient
}

// NewRemote constructs a Remote catalog client against baseURL (normalised
// per the same rules the admin layer's other HTTP clients use).
func NewRemote(baseURL string, client *http.Client) (*Remote, error) {
	_, parsed, err := httputil.NormalizeCatalogBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	limited := ratelimit.NewRateLimitedClient(client, remoteRateLimit)
	return &Remote{baseURL: parsed, client: limited}, nil
}

// ResolveRoute calls GET {baseURL}/routes?method=...&path=...
func (r *Remote) ResolveRoute(ctx context.Context, method, path string) (*Route, error) {
	q := url.Values{}
	q.Set("method", method)
	q.Set("path", path)
	u := r.endpoint("/routes", q)

	var wire struct {
		FlowID      string                `json:"flow_id"`
		EntryNodeID string                `json:"entry_node_id"`
		FlowConfig  *flowgraph.FlowConfig `json:"flow_config"`
	}
	found, err := r.getJSON(ctx, u, &wire)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &Route{FlowID: wire.FlowID, EntryNodeID: wire.EntryNodeID, FlowConfig: wire.FlowConfig}, nil
}

// FetchFlow calls GET {baseURL}/flows/{flowID}
func (r *Remote) FetchFlow(ctx context.Context, flowID string) (*flowgraph.FlowConfig, error) {
	u := r.endpoint("/flows/"+url.PathEscape(flowID), nil)

	var cfg flowgraph.FlowConfig
	found, err := r.getJSON(ctx, u, &cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &cfg, nil
}

// Subscribe is a no-op: see the Remote doc comment.
func (r *Remote) Subscribe(handler func(flowID string)) func() {
	return func() {}
}

func (r *Remote) endpoint(path string, query url.Values) string {
	u := *r.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// getJSON performs a retried GET, decoding a 200 body into out. A 404
// response is reported as (false, nil) — "not found" rather than an error,
// matching ResolveRoute/FetchFlow's nil-means-missing contract, and is not
// retried. A transport error or any other non-2xx status is retried per
// RemoteRetryPolicy; if it still fails on the last attempt it is reported
// as errors.CatalogUnreachable (§7 kind 6).
func (r *Remote) getJSON(ctx context.Context, u string, out any) (bool, error) {
	var found bool
	err := service.Retry(ctx, RemoteRetryPolicy, func() error {
		found = false

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("User-Agent", version.UserAgent())
		resp, doErr := r.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("catalog responded %d", resp.StatusCode)
		}
		if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
			return fmt.Errorf("decode response: %w", decErr)
		}
		found = true
		return nil
	})
	if err != nil {
		return false, errors.CatalogUnreachable(err)
	}
	return found, nil
}
