package nodes

import (
	"encoding/json"

	"github.com/flowmesh/runtime/internal/flowgraph"
)

// decodeOption reads cfg's key option (decoded JSON value, per
// flowgraph.NodeConfig.Option) into target via a JSON round trip, since
// options arrive as generic map[string]any/[]any/scalar shapes straight off
// the wire.
func decodeOption(cfg flowgraph.NodeConfig, key string, target any) bool {
	raw, ok := cfg.Option(key)
	if !ok {
		return false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

// reencode converts a generic decoded value (map[string]any/[]any/scalar)
// into target via a JSON round trip, used to recover a typed struct from a
// value that has passed through a storage backend as opaque JSON.
func reencode(raw any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func stringOption(cfg flowgraph.NodeConfig, key, fallback string) string {
	raw, ok := cfg.Option(key)
	if !ok {
		return fallback
	}
	s, ok := raw.(string)
	if !ok {
		return fallback
	}
	return s
}

func floatOption(cfg flowgraph.NodeConfig, key string, fallback float64) float64 {
	raw, ok := cfg.Option(key)
	if !ok {
		return fallback
	}
	f, ok := raw.(float64)
	if !ok {
		return fallback
	}
	return f
}

func boolOption(cfg flowgraph.NodeConfig, key string, fallback bool) bool {
	raw, ok := cfg.Option(key)
	if !ok {
		return fallback
	}
	b, ok := raw.(bool)
	if !ok {
		return fallback
	}
	return b
}
