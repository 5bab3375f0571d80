package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/storage"
)

// joinEntry is one buffered element awaiting a join, persisted under the
// node's join-buffer key (§6: "j:<node_id>").
type joinEntry struct {
	Index   int `json:"index"`
	Payload any `json:"payload"`
}

type joinBuffer struct {
	StreamID string      `json:"stream_id"`
	Target   int         `json:"target"`
	Entries  []joinEntry `json:"entries"`
}

// Join buffers messages until "count" is reached (option "count", 0 means
// auto-detect from the first message's parts.count) and then emits one
// array-payload message with a merged parts descriptor. The buffer is
// persisted in shard storage so a join survives a shard restart mid-stream.
var Join = noderegistry.Definition{
	Type:     "join",
	Category: "function",
	Inputs:   1,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		key := storage.PrefixJoinBuffer + h.ID()
		nc := h.Context()

		var buf joinBuffer
		if raw, ok, err := nc.RawGet(ctx, key); err != nil {
			return nil, err
		} else if ok {
			if err := decodeRaw(raw, &buf); err != nil {
				return nil, fmt.Errorf("join: decode buffer: %w", err)
			}
		}

		cfg := h.Config()
		configuredCount := int(floatOption(cfg, "count", 0))

		index := len(buf.Entries)
		streamID := buf.StreamID
		target := buf.Target
		if in.Parts != nil {
			index = in.Parts.Index
			if streamID == "" {
				streamID = in.Parts.ID
			}
			if target == 0 {
				target = in.Parts.Count
			}
		}
		if target == 0 {
			target = configuredCount
		}
		if target == 0 {
			return nil, fmt.Errorf("join: cannot determine target count (no parts, no configured count)")
		}

		buf.StreamID = streamID
		buf.Target = target
		buf.Entries = append(buf.Entries, joinEntry{Index: index, Payload: in.Payload()})

		if len(buf.Entries) < buf.Target {
			if err := nc.RawSet(ctx, key, buf); err != nil {
				return nil, err
			}
			return nil, nil
		}

		sort.Slice(buf.Entries, func(i, j int) bool { return buf.Entries[i].Index < buf.Entries[j].Index })
		payload := make([]any, len(buf.Entries))
		for i, e := range buf.Entries {
			payload[i] = e.Payload
		}

		if err := nc.RawDelete(ctx, key); err != nil {
			return nil, err
		}

		out := flowmsg.New()
		out.Topic = in.Topic
		out.SetPayload(payload)
		out.Parts = &flowmsg.Parts{ID: buf.StreamID, Index: 0, Count: len(buf.Entries), Type: "array"}
		return out, nil
	},
}

// decodeRaw converts a value fetched back from storage (which may already
// be a joinBuffer when served straight from the in-memory pending buffer,
// or a generic map[string]any once it has round-tripped through a JSON
// backend) into a joinBuffer.
func decodeRaw(raw any, out *joinBuffer) error {
	if buf, ok := raw.(joinBuffer); ok {
		*out = buf
		return nil
	}
	return reencode(raw, out)
}
