// Package catalog declares the Flow Catalog interface (§6): the boundary
// between the runtime and the admin layer that owns flow definitions and
// their route bindings. The runtime only ever reads through this interface;
// it never writes flow definitions itself.
package catalog

import (
	"context"
	"sync"

	"github.com/flowmesh/runtime/internal/flowgraph"
)

// Route is what ResolveRoute returns for a matching (method, path): enough
// to construct and drive an Engine without a further catalog round trip.
type Route struct {
	FlowID      string
	EntryNodeID string
	FlowConfig  *flowgraph.FlowConfig
}

// Catalog is the administrative CRUD surface's read side, consumed by the
// Route Resolver and Scheduler. Implementations live in the admin layer
// (out of scope); the runtime is handed one at startup.
type Catalog interface {
	// ResolveRoute looks up the flow bound to (method, path) by exact match.
	// A nil Route with a nil error means "no route" (§7 kind 2).
	ResolveRoute(ctx context.Context, method, path string) (*Route, error)
	// FetchFlow returns the full parsed flow configuration for flowID, or
	// nil if it does not exist.
	FetchFlow(ctx context.Context, flowID string) (*flowgraph.FlowConfig, error)
	// Subscribe registers a callback invoked with a flow id whenever the
	// catalog's definition for that flow changes, so a Sharded Executor can
	// drop its cached engine instead of waiting out the route-cache TTL
	// (§6: "invalidate(flow_id) ... notification channel ... optional; TTL
	// will otherwise catch up"). Returns an unsubscribe function.
	Subscribe(handler func(flowID string)) (unsubscribe func())
}

// Memory is a trivial in-memory Catalog, used by tests and by cmd/flowd
// when no external admin-layer catalog is configured. Flows are indexed by
// id; routes are indexed by exact (method, path).
type Memory struct {
	mu     sync.RWMutex
	flows  map[string]*flowgraph.FlowConfig
	routes map[string]routeBinding
	subs   []func(flowID string)
}

type routeBinding struct {
	flowID      string
	entryNodeID string
}

// NewMemory returns an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		flows:  make(map[string]*flowgraph.FlowConfig),
		routes: make(map[string]routeBinding),
	}
}

// PutFlow installs or replaces a flow definition and notifies subscribers.
func (m *Memory) PutFlow(flow *flowgraph.FlowConfig) {
	m.mu.Lock()
	m.flows[flow.ID] = flow
	subs := append([]func(string){}, m.subs...)
	m.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub(flow.ID)
		}
	}
}

// BindRoute binds (method, path) to a flow id and entry node.
func (m *Memory) BindRoute(method, path, flowID, entryNodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[routeKey(method, path)] = routeBinding{flowID: flowID, entryNodeID: entryNodeID}
}

func routeKey(method, path string) string {
	return method + " " + path
}

func (m *Memory) ResolveRoute(ctx context.Context, method, path string) (*Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	binding, ok := m.routes[routeKey(method, path)]
	if !ok {
		return nil, nil
	}
	flow, ok := m.flows[binding.flowID]
	if !ok {
		return nil, nil
	}
	return &Route{FlowID: binding.flowID, EntryNodeID: binding.entryNodeID, FlowConfig: flow}, nil
}

func (m *Memory) FetchFlow(ctx context.Context, flowID string) (*flowgraph.FlowConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flows[flowID], nil
}

func (m *Memory) Subscribe(handler func(flowID string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, handler)
	idx := len(m.subs) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.subs) {
			m.subs[idx] = nil
		}
	}
}
