// Package flowgraph defines the persisted flow configuration: a flow id, its
// node configurations, and the wires connecting their outputs to other
// nodes' inputs. This is the shape a Flow Catalog hands to the runtime and
// that the browser-side graph editor (out of scope) produces.
package flowgraph

import "fmt"

// NodeConfig is one node's configuration within a flow: a stable id, a type
// tag looked up in the node registry, an optional display name, the wires
// fanning out from each of its outputs, and arbitrary type-specific options.
type NodeConfig struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Name    string           `json:"name,omitempty"`
	Wires   [][]string       `json:"wires"`
	Options map[string]any   `json:"-"`
	Raw     map[string]any   `json:"-"` // full decoded JSON object, options live here too
}

// Option returns a type-specific option value by key, reading from Raw since
// type-specific fields are not modeled individually at this layer.
func (n NodeConfig) Option(key string) (any, bool) {
	if n.Raw == nil {
		return nil, false
	}
	v, ok := n.Raw[key]
	return v, ok
}

// FlowConfig is a persisted flow: a stable id, descriptive metadata, and an
// ordered list of node configurations.
type FlowConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Version     string       `json:"version,omitempty"`
	Nodes       []NodeConfig `json:"nodes"`
}

// NodeByID returns the node configuration with the given id, if present.
func (f *FlowConfig) NodeByID(id string) (NodeConfig, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// ValidationError reports a single flow-configuration defect (a
// configuration error per the error taxonomy, §7 kind 1).
type ValidationError struct {
	NodeID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("flow config: node %q: %s", e.NodeID, e.Reason)
	}
	return fmt.Sprintf("flow config: %s", e.Reason)
}

// Validate checks the structural invariants from the data model: no
// duplicate node ids, and every wire target id must exist among the flow's
// nodes. It does not check per-node output-count/wires-length agreement —
// that depends on the node's registered definition and is checked at
// Engine.Initialize time, since unknown-type nodes are skipped rather than
// rejected outright (§7 kind 1).
func Validate(f *FlowConfig) error {
	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return &ValidationError{Reason: "node missing id"}
		}
		if seen[n.ID] {
			return &ValidationError{NodeID: n.ID, Reason: "duplicate node id"}
		}
		seen[n.ID] = true
	}
	for _, n := range f.Nodes {
		for outIdx, targets := range n.Wires {
			for _, target := range targets {
				if !seen[target] {
					return &ValidationError{
						NodeID: n.ID,
						Reason: fmt.Sprintf("wire output %d targets unknown node %q", outIdx, target),
					}
				}
			}
		}
	}
	return nil
}
