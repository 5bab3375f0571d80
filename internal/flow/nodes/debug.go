package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/storage"
)

// DebugRecord is one entry in a node's debug ring (§6 storage key layout:
// "d:<node_id>:<ts>"). Trimming entries beyond MAX_DEBUG is Scheduler
// housekeeping (§4.H), not this node's concern.
type DebugRecord struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	MsgID     string    `json:"msg_id"`
	Value     any       `json:"value"`
}

// Debug appends a debug record extracted from the configured property
// (default "payload") to the shard's debug ring.
var Debug = noderegistry.Definition{
	Type:     "debug",
	Category: "output",
	Inputs:   1,
	Outputs:  0,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		property := stringOption(cfg, "property", "payload")

		var value any
		if property == "payload" {
			value = in.Payload()
		} else {
			value = GetPath(in, property).Value()
		}

		record := DebugRecord{
			Timestamp: time.Now().UTC(),
			NodeID:    h.ID(),
			MsgID:     in.MsgID,
			Value:     value,
		}
		// The key's trailing segment must be the record's numeric epoch, not
		// its RFC3339 rendering: the Scheduler's housekeeping trim (§4.H.4b)
		// orders "oldest first" by parsing that segment as an integer.
		key := fmt.Sprintf("%s%s:%d", storage.PrefixDebug, h.ID(), record.Timestamp.UnixNano())
		if err := h.Context().RawSet(ctx, key, record); err != nil {
			return nil, err
		}
		return nil, nil
	},
}
