package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// DefaultMessageCeiling bounds the number of execute_node invocations one
// trigger call may spawn, guarding against runaway loops in cyclic flow
// graphs (§9 design notes: cycles are permitted and not deduped).
const DefaultMessageCeiling = 10000

// Engine owns one flow's node instances and evaluates the graph (§4.D). One
// Engine exists per (shard, flow id) pair, cached by the Sharded Executor.
type Engine struct {
	registry  *noderegistry.Registry
	config    *flowgraph.FlowConfig
	execCtx   *ExecutionContext
	log       *logrus.Entry
	ceiling   int

	instances map[string]*NodeInstance
	errorBus  *eventBus
	statusBus *eventBus

	inflight sync.WaitGroup // tracks every goroutine spawned by any trigger, drained on Close
}

// New constructs an Engine for config, ready for Initialize. ceiling<=0 uses
// DefaultMessageCeiling.
func New(registry *noderegistry.Registry, config *flowgraph.FlowConfig, execCtx *ExecutionContext, log *logrus.Entry, ceiling int) *Engine {
	if ceiling <= 0 {
		ceiling = DefaultMessageCeiling
	}
	return &Engine{
		registry:  registry,
		config:    config,
		execCtx:   execCtx,
		log:       log.WithField("flow_id", config.ID),
		ceiling:   ceiling,
		instances: make(map[string]*NodeInstance),
		errorBus:  newEventBus(),
		statusBus: newEventBus(),
	}
}

// Initialize builds one node instance per node configuration with a
// registered type (unknown types are logged and skipped, §7 kind 1), then
// calls each definition's OnInit hook sequentially. The first OnInit error
// aborts initialisation.
func (e *Engine) Initialize(ctx context.Context) error {
	for _, cfg := range e.config.Nodes {
		def, ok := e.registry.Get(cfg.Type)
		if !ok {
			e.log.WithFields(logrus.Fields{"node_id": cfg.ID, "node_type": cfg.Type}).
				Warn("skipping node with unregistered type")
			continue
		}
		e.instances[cfg.ID] = newNodeInstance(cfg, def, e, e.log)
	}

	e.wireCatchAndStatusNodes()

	for _, cfg := range e.config.Nodes {
		inst, ok := e.instances[cfg.ID]
		if !ok {
			continue
		}
		if inst.def.OnInit == nil {
			continue
		}
		if err := inst.def.OnInit(ctx, inst); err != nil {
			return fmt.Errorf("on_init node %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// wireCatchAndStatusNodes subscribes every catch/status node instance to the
// engine-wide error/status buses so plain node definitions (§4.D standard
// set) don't need bus-specific code; catch honours an optional per-node
// "scope" list of node ids (Open Question i resolution: per-node list,
// empty means flow-wide).
func (e *Engine) wireCatchAndStatusNodes() {
	for _, inst := range e.instances {
		switch inst.Type() {
		case "catch":
			scope := stringSliceOption(inst.config, "scope")
			inst := inst
			e.errorBus.On("__error__", func(payload any) {
				ev, ok := payload.(ErrorEvent)
				if !ok {
					return
				}
				if len(scope) > 0 && !contains(scope, ev.NodeID) {
					return
				}
				dispatchCatch(e, inst, ev)
			})
		case "status":
			inst := inst
			e.statusBus.On("status", func(payload any) {
				ev, ok := payload.(StatusEvent)
				if !ok {
					return
				}
				dispatchStatus(e, inst, ev)
			})
		}
	}
}

func stringSliceOption(cfg flowgraph.NodeConfig, key string) []string {
	raw, ok := cfg.Option(key)
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// triggerState is the per-trigger-call scratch: the runaway-loop counter,
// cancellation, the wait group joining every transitively spawned
// execution, and the first-response-wins slot (§4.D, §8.3).
type triggerState struct {
	ctx       context.Context
	cancel    context.CancelFunc
	engine    *Engine
	count     int64
	ceiling   int64
	wg        sync.WaitGroup
	respOnce  sync.Once
	response  atomic.Pointer[flowmsg.HTTPResponse]
}

func (ts *triggerState) tryAcquire() bool {
	if atomic.AddInt64(&ts.count, 1) > ts.ceiling {
		return false
	}
	return true
}

// captureResponse atomically records the first HTTP response descriptor
// observed across the whole trigger; subsequent calls are no-ops, which is
// what "first-by-observation, not first-by-wall-clock but serialised" means
// in practice.
func (ts *triggerState) captureResponse(resp *flowmsg.HTTPResponse) {
	if resp == nil {
		return
	}
	ts.respOnce.Do(func() {
		ts.response.Store(resp)
	})
}

// Trigger runs the graph with message as the input to entryNodeID and
// returns any terminal HTTP response captured during execution, or nil.
func (e *Engine) Trigger(ctx context.Context, entryNodeID string, message *flowmsg.Message) (*flowmsg.HTTPResponse, error) {
	if _, ok := e.instances[entryNodeID]; !ok {
		return nil, fmt.Errorf("trigger: unknown entry node %q", entryNodeID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ts := &triggerState{ctx: runCtx, cancel: cancel, engine: e, ceiling: int64(e.ceiling)}
	e.runNode(ts, entryNodeID, message)
	ts.wg.Wait()
	return ts.response.Load(), nil
}

// ExecuteNode executes exactly one node and applies routing to its output
// (§4.D public contract); downstream fan-out is spawned but not awaited by
// this call — callers that need full completion should use Trigger. This
// shape is what the Scheduler (§4.H) and a shard's manual "execute"
// control-plane endpoint (§4.F) use.
func (e *Engine) ExecuteNode(ctx context.Context, nodeID string, message *flowmsg.Message) (any, error) {
	if _, ok := e.instances[nodeID]; !ok {
		return nil, fmt.Errorf("execute_node: unknown node %q", nodeID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	ts := &triggerState{ctx: runCtx, cancel: cancel, engine: e, ceiling: int64(e.ceiling)}
	out := e.runNodeBody(ts, nodeID, message)
	e.routeOutput(ts, nodeID, out)
	// routing fan-out continues in the background; the engine's Close()
	// drains it via e.inflight.
	return out, nil
}

// runNode executes one node body and recursively spawns its fan-out,
// matching up with ts.wg so Trigger can wait for the whole transitive
// closure. Errors are contained per node: logged, routed to the catch bus,
// and never propagated to the caller of runNode.
func (e *Engine) runNode(ts *triggerState, nodeID string, in *flowmsg.Message) {
	out := e.runNodeBody(ts, nodeID, in)
	e.routeOutput(ts, nodeID, out)
}

// runNodeBody executes exactly the named node's body (no routing), honouring
// the message-count ceiling and the trigger's cancellation, and returns the
// raw node output. A nil return means "no output to route" (either the node
// consumed the message, the ceiling was hit, or the node failed).
func (e *Engine) runNodeBody(ts *triggerState, nodeID string, in *flowmsg.Message) any {
	select {
	case <-ts.ctx.Done():
		return nil
	default:
	}

	inst, ok := e.instances[nodeID]
	if !ok {
		e.log.WithField("node_id", nodeID).Warn("execute_node: node not found, skipping")
		return nil
	}

	if !ts.tryAcquire() {
		inst.Warn("trigger message ceiling exceeded, branch terminated")
		return nil
	}

	out, err := e.safeExecute(ts.ctx, inst, in)
	if err != nil {
		e.containNodeError(inst, in, err)
		return nil
	}

	if in.IsTerminal() {
		ts.captureResponse(in.HTTPResponse)
	}

	return out
}

// safeExecute recovers from a node body panic and converts it into the
// standard node-execution error path (§7 kind 5), matching the containment
// guarantee sibling branches rely on.
func (e *Engine) safeExecute(ctx context.Context, inst *NodeInstance, in *flowmsg.Message) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in node %s: %v", inst.ID(), r)
		}
	}()
	return inst.def.Execute(ctx, inst, in)
}

func (e *Engine) containNodeError(inst *NodeInstance, in *flowmsg.Message, cause error) {
	execErr := &flowmsg.ExecError{Message: cause.Error(), Source: inst.ID()}
	inst.Error(in, cause)
	e.errorBus.Emit("__error__", ErrorEvent{NodeID: inst.ID(), Message: in, Err: execErr})
}

// routeOutput applies the node-output semantics and fan-out/routing rules in
// §4.D to a node's raw output, spawning one goroutine per (target) so
// messages destined for the same wire preserve source-emit order while
// different targets run concurrently.
func (e *Engine) routeOutput(ts *triggerState, sourceNodeID string, raw any) {
	inst := e.instances[sourceNodeID]
	if inst == nil {
		return
	}
	outputs := normalizeOutputs(len(inst.config.Wires), raw)
	for outIdx, msgs := range outputs {
		if len(msgs) == 0 {
			continue
		}
		if outIdx >= len(inst.config.Wires) {
			continue
		}
		targets := inst.config.Wires[outIdx]
		for _, target := range targets {
			target := target
			msgsForTarget := msgs
			ts.wg.Add(1)
			e.inflight.Add(1)
			go func() {
				defer ts.wg.Done()
				defer e.inflight.Done()
				for _, m := range msgsForTarget {
					select {
					case <-ts.ctx.Done():
						return
					default:
					}
					e.runNode(ts, target, m.Clone())
				}
			}()
		}
	}
}

// normalizeOutputs converts a node's raw Execute return value into a
// per-output-index list of produced messages, per the node-output semantics
// in §4.D:
//  1. nil -> no routing.
//  2. a single *flowmsg.Message -> output index 0.
//  3. []any of length <= outputCount -> element i routes to output i; a nil
//     element means nothing on that output; elements may themselves be
//     []any, meaning multiple messages fan out through that output.
func normalizeOutputs(outputCount int, raw any) [][]*flowmsg.Message {
	result := make([][]*flowmsg.Message, outputCount)
	if raw == nil {
		return result
	}
	if msg, ok := raw.(*flowmsg.Message); ok {
		if outputCount > 0 {
			result[0] = []*flowmsg.Message{msg}
		}
		return result
	}
	if arr, ok := raw.([]any); ok {
		for i, el := range arr {
			if i >= outputCount {
				break
			}
			result[i] = flattenMessages(el)
		}
		return result
	}
	return result
}

func flattenMessages(el any) []*flowmsg.Message {
	switch v := el.(type) {
	case nil:
		return nil
	case *flowmsg.Message:
		return []*flowmsg.Message{v}
	case []any:
		var out []*flowmsg.Message
		for _, inner := range v {
			out = append(out, flattenMessages(inner)...)
		}
		return out
	default:
		return nil
	}
}

// Close awaits in-flight executions, invokes every definition's OnClose hook
// sequentially, and clears node instances.
func (e *Engine) Close(ctx context.Context) error {
	e.inflight.Wait()

	var firstErr error
	for _, cfg := range e.config.Nodes {
		inst, ok := e.instances[cfg.ID]
		if !ok || inst.def.OnClose == nil {
			continue
		}
		if err := inst.def.OnClose(ctx, inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.instances = make(map[string]*NodeInstance)
	return firstErr
}

// Instance returns the live node instance for id, for callers (scheduler,
// control plane) that need to introspect status/config outside of routing.
func (e *Engine) Instance(id string) (*NodeInstance, bool) {
	inst, ok := e.instances[id]
	return inst, ok
}

func dispatchCatch(e *Engine, catchInst *NodeInstance, ev ErrorEvent) {
	msg := flowmsg.New()
	msg.Err = ev.Err
	msg.SetPayload(map[string]any{
		"message": ev.Err.Message,
		"source":  ev.NodeID,
	})
	ts := &triggerState{ctx: context.Background(), engine: e, ceiling: int64(e.ceiling)}
	ts.cancel = func() {}
	e.routeOutput(ts, catchInst.ID(), msg)
	ts.wg.Wait()
}

func dispatchStatus(e *Engine, statusInst *NodeInstance, ev StatusEvent) {
	msg := flowmsg.New()
	msg.SetPayload(map[string]any{
		"node_id": ev.NodeID,
		"status":  ev.Status,
	})
	ts := &triggerState{ctx: context.Background(), engine: e, ceiling: int64(e.ceiling)}
	ts.cancel = func() {}
	e.routeOutput(ts, statusInst.ID(), msg)
}
