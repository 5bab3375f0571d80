package nodes

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/storage"
)

// Inject emits a message on manual trigger or scheduled tick (the Scheduler
// calls Engine.ExecuteNode against this node's id directly; Execute
// itself only builds the payload for one firing). payload_type selects how
// the configured "payload" option is interpreted. A node configured with a
// non-empty "crontab" or a positive "interval_ms" registers a schedule
// record at engine-init time (OnInit) so the Scheduler (§4.H) has something
// to enumerate; "repeat" only marks that record as recurring, and an inject
// with neither crontab nor interval_ms registers nothing.
var Inject = noderegistry.Definition{
	Type:     "inject",
	Category: "input",
	Inputs:   0,
	Outputs:  1,
	OnInit: func(ctx context.Context, h noderegistry.NodeHandle) error {
		cfg := h.Config()

		repeat, _ := cfg.Option("repeat")
		repeatBool, _ := repeat.(bool)

		cronRaw, _ := cfg.Option("crontab")
		cronStr, _ := cronRaw.(string)

		var intervalMS int64
		if iv, ok := cfg.Option("interval_ms"); ok {
			switch v := iv.(type) {
			case float64:
				intervalMS = int64(v)
			case int64:
				intervalMS = v
			case int:
				intervalMS = int64(v)
			case string:
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
					intervalMS = parsed
				}
			}
		}

		if cronStr == "" && intervalMS <= 0 {
			// Manual-trigger-only inject; no schedule record to persist.
			return nil
		}

		rec := map[string]any{
			"node_id":           h.ID(),
			"flow_id":           h.FlowID(),
			"repeat":            repeatBool,
			"interval_ms":       float64(intervalMS),
			"cron":              cronStr,
			"next_run_epoch_ms": float64(time.Now().UnixMilli()),
		}
		return h.Context().RawSet(ctx, storage.PrefixSchedule+h.ID(), rec)
	},
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		cfg := h.Config()
		payloadType := stringOption(cfg, "payload_type", "date")
		rawPayload, _ := cfg.Option("payload")

		out := flowmsg.New()
		out.Topic = stringOption(cfg, "topic", "")

		switch payloadType {
		case "date":
			out.SetPayload(time.Now().UTC().Format(time.RFC3339Nano))
		case "str":
			s, _ := rawPayload.(string)
			out.SetPayload(s)
		case "num":
			switch v := rawPayload.(type) {
			case float64:
				out.SetPayload(v)
			case string:
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, err
				}
				out.SetPayload(f)
			default:
				out.SetPayload(0.0)
			}
		case "bool":
			b, _ := rawPayload.(bool)
			out.SetPayload(b)
		case "json":
			switch v := rawPayload.(type) {
			case string:
				var parsed any
				if err := json.Unmarshal([]byte(v), &parsed); err != nil {
					return nil, err
				}
				out.SetPayload(parsed)
			default:
				out.SetPayload(v)
			}
		default:
			out.SetPayload(rawPayload)
		}
		return out, nil
	},
}
