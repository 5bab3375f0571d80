package flowgraph

import "encoding/json"

// nodeConfigWire mirrors NodeConfig's JSON-visible fields for decoding.
type nodeConfigWire struct {
	ID    string     `json:"id"`
	Type  string     `json:"type"`
	Name  string     `json:"name,omitempty"`
	Wires [][]string `json:"wires"`
}

// UnmarshalJSON decodes the standard fields into NodeConfig and additionally
// stashes the full decoded object in Raw so type-specific options (which
// vary per node type and are not modeled individually here) remain
// accessible via Option.
func (n *NodeConfig) UnmarshalJSON(data []byte) error {
	var wire nodeConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.ID = wire.ID
	n.Type = wire.Type
	n.Name = wire.Name
	n.Wires = wire.Wires
	n.Raw = raw
	return nil
}

// MarshalJSON re-serialises Raw merged with the canonical fields, so a
// round-trip through encode/decode is stable for type-specific options.
func (n NodeConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Raw)+4)
	for k, v := range n.Raw {
		out[k] = v
	}
	out["id"] = n.ID
	out["type"] = n.Type
	if n.Name != "" {
		out["name"] = n.Name
	}
	out["wires"] = n.Wires
	return json.Marshal(out)
}
