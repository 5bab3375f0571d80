package flow

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// NodeInstance is the per-flow-engine runtime handle for one configured
// node (§4.C): it owns its configuration, a status field, a per-node log
// sink, and the engine's shared Execution Context. It implements
// noderegistry.NodeHandle, what node bodies see of themselves.
type NodeInstance struct {
	config flowgraph.NodeConfig
	def    noderegistry.Definition
	engine *Engine
	log    *logrus.Entry

	mu     sync.Mutex
	status any
}

var _ noderegistry.NodeHandle = (*NodeInstance)(nil)

func newNodeInstance(cfg flowgraph.NodeConfig, def noderegistry.Definition, engine *Engine, log *logrus.Entry) *NodeInstance {
	return &NodeInstance{
		config: cfg,
		def:    def,
		engine: engine,
		log: log.WithFields(logrus.Fields{
			"node_id":   cfg.ID,
			"node_type": cfg.Type,
		}),
	}
}

func (n *NodeInstance) ID() string   { return n.config.ID }
func (n *NodeInstance) Type() string { return n.config.Type }
func (n *NodeInstance) Name() string {
	if n.config.Name != "" {
		return n.config.Name
	}
	return n.config.ID
}

// FlowID returns the id of the flow this node instance belongs to, needed
// by nodes (e.g. inject's scheduled-trigger registration) that must persist
// a record naming the owning flow rather than just this node.
func (n *NodeInstance) FlowID() string { return n.engine.execCtx.FlowID }

// Config returns a read-only view of the node's configuration.
func (n *NodeInstance) Config() flowgraph.NodeConfig { return n.config }

// SetStatus is the idempotent status setter observed by the UI/WebSocket
// channel; it emits on the engine's status bus only on transition (Open
// Question ii resolution), never on a repeat of the same value.
func (n *NodeInstance) SetStatus(status any) {
	n.mu.Lock()
	prev := n.status
	changed := statusChanged(prev, status)
	n.status = status
	n.mu.Unlock()

	if changed {
		n.engine.statusBus.Emit("status", StatusEvent{NodeID: n.config.ID, Status: status})
	}
}

// Status returns the last status value written by the node body.
func (n *NodeInstance) Status() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *NodeInstance) Log(args ...any)  { n.log.Info(args...) }
func (n *NodeInstance) Warn(args ...any) { n.log.Warn(args...) }

// Error logs a node-execution error and, if msg is non-nil, attaches the
// offending message's identity to the log line. It only logs; the engine's
// containNodeError emits the event on the error/catch bus.
func (n *NodeInstance) Error(msg *flowmsg.Message, args ...any) {
	entry := n.log
	if msg != nil {
		entry = entry.WithField("msg_id", msg.MsgID)
	}
	entry.Error(args...)
}

// Context returns the node's view of the flow/global scoped KV stores.
func (n *NodeInstance) Context() noderegistry.NodeContext { return n.engine.execCtx }

// On registers a persistent handler on the node's own event name,
// namespaced by node id so different nodes' "error"/"status" registrations
// don't collide.
func (n *NodeInstance) On(event string, handler func(payload any)) int {
	return n.engine.errorBus.On(n.config.ID+":"+event, handler)
}

// Once registers a one-shot handler.
func (n *NodeInstance) Once(event string, handler func(payload any)) int {
	return n.engine.errorBus.Once(n.config.ID+":"+event, handler)
}

// Remove unregisters a handler previously returned by On/Once.
func (n *NodeInstance) Remove(event string, id int) {
	n.engine.errorBus.Remove(n.config.ID+":"+event, id)
}

// Emit fires event for this node only.
func (n *NodeInstance) Emit(event string, payload any) {
	n.engine.errorBus.Emit(n.config.ID+":"+event, payload)
}

// StatusEvent is the payload delivered to status-bus subscribers.
type StatusEvent struct {
	NodeID string
	Status any
}

// ErrorEvent is the payload delivered to catch-bus subscribers: the
// synthetic error record plus the source node reference (§7 kind 5).
type ErrorEvent struct {
	NodeID  string
	Message *flowmsg.Message
	Err     *flowmsg.ExecError
}
