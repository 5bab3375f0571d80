// Package nodes implements the standard node set (§4.D): http-in,
// http-response, function, change, switch, template, json, delay, split,
// join, inject, debug, http-request, context, catch, status. Register wires
// every definition here into a noderegistry.Registry at process start.
package nodes

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/runtime/internal/flowmsg"
)

// pathRoot builds the object a message-path expression resolves against:
// the message's own fields (payload included, by the "payload" convention)
// plus topic and msg_id as synthetic top-level keys.
func pathRoot(msg *flowmsg.Message) map[string]any {
	root := make(map[string]any, len(msg.Fields)+2)
	for k, v := range msg.Fields {
		root[k] = v
	}
	root["topic"] = msg.Topic
	root["msg_id"] = msg.MsgID
	return root
}

// GetPath resolves a gjson path (e.g. "payload.x", "payload.items.0")
// against msg's field tree.
func GetPath(msg *flowmsg.Message, path string) gjson.Result {
	data, err := json.Marshal(pathRoot(msg))
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(data, path)
}

func splitDottedPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// SetPath writes value at a dotted path into msg's Fields tree, creating
// intermediate maps as needed. gjson has no write counterpart anywhere in
// the example pack, so mutation walks the native map tree directly rather
// than pull in an unrelated library just for this.
func SetPath(msg *flowmsg.Message, path string, value any) {
	segs := splitDottedPath(path)
	if len(segs) == 0 {
		return
	}
	if msg.Fields == nil {
		msg.Fields = make(map[string]any)
	}
	setIn(msg.Fields, segs, value)
}

// DeletePath removes the value at path; a no-op if any segment is absent.
func DeletePath(msg *flowmsg.Message, path string) {
	segs := splitDottedPath(path)
	if len(segs) == 0 || msg.Fields == nil {
		return
	}
	deleteIn(msg.Fields, segs)
}

func setIn(m map[string]any, segs []string, value any) {
	seg := segs[0]
	if len(segs) == 1 {
		m[seg] = value
		return
	}
	next, ok := m[seg].(map[string]any)
	if !ok {
		next = make(map[string]any)
		m[seg] = next
	}
	setIn(next, segs[1:], value)
}

func deleteIn(m map[string]any, segs []string) {
	seg := segs[0]
	if len(segs) == 1 {
		delete(m, seg)
		return
	}
	next, ok := m[seg].(map[string]any)
	if !ok {
		return
	}
	deleteIn(next, segs[1:])
}
