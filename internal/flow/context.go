// Package flow implements the Flow Engine, Node Instance and Execution
// Context components (§4.C, §4.D, §4.E): the per-flow interpreter that
// evaluates a graph given an entry node, and the runtime handles node bodies
// see while doing so.
package flow

import (
	"context"

	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/storage"
)

var _ noderegistry.NodeContext = (*ExecutionContext)(nil)

// ExecutionContext is the per-engine aggregate described in §4.E: a shard
// storage handle (via Batched Storage), an environment dictionary, and two
// scoped key/value stores. Flow-scope is namespaced per flow id under the
// shard; global-scope is namespaced per shard but shared across the shard's
// flows.
type ExecutionContext struct {
	ShardID string
	FlowID  string
	batched *storage.Batched
	env     map[string]string
}

// NewExecutionContext constructs an ExecutionContext backed by batched, the
// shard's write-coalescing storage wrapper.
func NewExecutionContext(shardID, flowID string, env map[string]string, batched *storage.Batched) *ExecutionContext {
	return &ExecutionContext{
		ShardID: shardID,
		FlowID:  flowID,
		batched: batched,
		env:     env,
	}
}

func (c *ExecutionContext) flowKey(key string) string {
	return storage.PrefixFlowScope + c.FlowID + ":" + key
}

func (c *ExecutionContext) globalKey(key string) string {
	return storage.PrefixGlobalScope + key
}

// FlowGet reads a flow-scoped key.
func (c *ExecutionContext) FlowGet(ctx context.Context, key string) (any, bool, error) {
	return c.batched.Get(ctx, c.flowKey(key))
}

// FlowSet writes a flow-scoped key via Batched Storage.
func (c *ExecutionContext) FlowSet(ctx context.Context, key string, value any) error {
	c.batched.Set(c.flowKey(key), value)
	return nil
}

// FlowKeys lists flow-scoped keys for this flow id, stripped of the prefix.
func (c *ExecutionContext) FlowKeys(ctx context.Context) ([]string, error) {
	prefix := storage.PrefixFlowScope + c.FlowID + ":"
	keys, err := c.batched.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return stripPrefix(keys, prefix), nil
}

// FlowDelete removes a flow-scoped key.
func (c *ExecutionContext) FlowDelete(ctx context.Context, key string) error {
	c.batched.Delete(c.flowKey(key))
	return nil
}

// GlobalGet reads a shard-wide global-scope key.
func (c *ExecutionContext) GlobalGet(ctx context.Context, key string) (any, bool, error) {
	return c.batched.Get(ctx, c.globalKey(key))
}

// GlobalSet writes a shard-wide global-scope key.
func (c *ExecutionContext) GlobalSet(ctx context.Context, key string, value any) error {
	c.batched.Set(c.globalKey(key), value)
	return nil
}

// GlobalKeys lists global-scope keys for the shard.
func (c *ExecutionContext) GlobalKeys(ctx context.Context) ([]string, error) {
	keys, err := c.batched.Keys(ctx, storage.PrefixGlobalScope)
	if err != nil {
		return nil, err
	}
	return stripPrefix(keys, storage.PrefixGlobalScope), nil
}

// GlobalDelete removes a shard-wide global-scope key.
func (c *ExecutionContext) GlobalDelete(ctx context.Context, key string) error {
	c.batched.Delete(c.globalKey(key))
	return nil
}

// RawGet reads a key verbatim, with no scope prefix applied.
func (c *ExecutionContext) RawGet(ctx context.Context, key string) (any, bool, error) {
	return c.batched.Get(ctx, key)
}

// RawSet writes a key verbatim via Batched Storage.
func (c *ExecutionContext) RawSet(ctx context.Context, key string, value any) error {
	c.batched.Set(key, value)
	return nil
}

// RawKeys lists keys verbatim under prefix.
func (c *ExecutionContext) RawKeys(ctx context.Context, prefix string) ([]string, error) {
	return c.batched.Keys(ctx, prefix)
}

// RawDelete deletes a key verbatim.
func (c *ExecutionContext) RawDelete(ctx context.Context, key string) error {
	c.batched.Delete(key)
	return nil
}

// Env returns the process environment dictionary exposed to node bodies
// (function-node sandbox, template lookups).
func (c *ExecutionContext) Env() map[string]string {
	return c.env
}

func stripPrefix(keys []string, prefix string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[len(prefix):]
	}
	return out
}
