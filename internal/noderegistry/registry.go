// Package noderegistry holds the process-wide mapping from a node's type tag
// to its NodeDefinition. Registration happens once at process startup,
// before any engine initialises; lookups must be safe under concurrent
// readers thereafter.
package noderegistry

import (
	"context"
	"sync"

	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/internal/flowmsg"
)

// Descriptor carries UI metadata for the (out of scope) graph editor's
// palette. The runtime itself never interprets these fields; it only serves
// them back through a Node Descriptor discovery endpoint.
type Descriptor struct {
	Icon      string
	Color     string
	Label     string
	PropsJSON string // opaque property-schema JSON for the editor
}

// NodeHandle is what a node body sees of its own instance: identity,
// read-only config, a status setter, structured log sinks, and scoped KV
// access. It is implemented by *flow.NodeInstance; declared here to avoid an
// import cycle between noderegistry and the flow engine package.
type NodeHandle interface {
	ID() string
	Type() string
	Name() string
	FlowID() string
	Config() flowgraph.NodeConfig
	SetStatus(status any)
	Log(args ...any)
	Warn(args ...any)
	Error(msg *flowmsg.Message, args ...any)
	Context() NodeContext
}

// NodeContext exposes the flow-scope and global-scope key/value stores to a
// node body, plus the process environment dictionary and a raw accessor for
// nodes that manage their own key layout against the storage key schema
// (§6) — join buffers and debug rings key themselves as "j:<node_id>" and
// "d:<node_id>:<ts>" directly, rather than living inside flow-scope.
type NodeContext interface {
	FlowGet(ctx context.Context, key string) (any, bool, error)
	FlowSet(ctx context.Context, key string, value any) error
	FlowKeys(ctx context.Context) ([]string, error)
	FlowDelete(ctx context.Context, key string) error
	GlobalGet(ctx context.Context, key string) (any, bool, error)
	GlobalSet(ctx context.Context, key string, value any) error
	GlobalKeys(ctx context.Context) ([]string, error)
	GlobalDelete(ctx context.Context, key string) error
	RawGet(ctx context.Context, key string) (any, bool, error)
	RawSet(ctx context.Context, key string, value any) error
	RawKeys(ctx context.Context, prefix string) ([]string, error)
	RawDelete(ctx context.Context, key string) error
	Env() map[string]string
}

// ExecuteFunc is a node body: given its handle and an input message, it
// returns output per the node-output semantics in §4.D — nil (consumed),
// a single *flowmsg.Message (routed to output 0), or an []any of length ≤
// output count whose elements are *flowmsg.Message, []any (multiple
// messages on that output) or nil (nothing on that output this call).
type ExecuteFunc func(ctx context.Context, handle NodeHandle, in *flowmsg.Message) (any, error)

// LifecycleFunc runs once, sequentially, across all instances of a flow
// during Engine.Initialize (OnInit) or Engine.Close (OnClose).
type LifecycleFunc func(ctx context.Context, handle NodeHandle) error

// Definition is a registered, process-wide node type.
type Definition struct {
	Type        string
	Category    string
	Inputs      int
	Outputs     int
	Defaults    map[string]any
	Execute     ExecuteFunc
	OnInit      LifecycleFunc
	OnClose     LifecycleFunc
	Descriptor  Descriptor
}

// Registry is the process-global type -> definition container.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Definition
}

// New returns an empty registry. Callers and tests construct their own
// registries; the Global instance below is a separate, shared one.
func New() *Registry {
	return &Registry{types: make(map[string]Definition)}
}

// Register adds or overwrites a definition. Idempotent: registering the same
// type twice is allowed and the last writer wins, matching §4.B. Callers
// must complete all registration before any engine initialises; Register
// itself takes the write lock so concurrent registration would not corrupt
// the map, but the ordering guarantee is a caller responsibility.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[def.Type] = def
}

// Get looks up a definition by type tag. Safe for concurrent use alongside
// other Get calls (and, once startup registration is complete, alongside
// nothing else).
func (r *Registry) Get(nodeType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[nodeType]
	return def, ok
}

// List returns the registered type tags in no particular order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}

// Global is a process-wide registry instance. Nothing registers into it
// automatically; definitions are added only by explicit Register calls.
var Global = New()
