// Package flowmsg defines the message envelope that flows through a running
// flow graph: a small set of well-known slots plus an open bag of user-set
// fields, and the canonical deep-copy used whenever a message crosses a wire
// to more than one consumer.
package flowmsg

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Parts describes a stream fragment produced by a split node and consumed by
// a join node.
type Parts struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Count int    `json:"count"`
	Type  string `json:"type,omitempty"`
}

// ExecError is the structured error record attached to a message when a node
// fails; it is also what reaches a catch node's synthetic message.
type ExecError struct {
	Message string `json:"message"`
	Source  string `json:"source"` // node id that raised the error
	Stack   string `json:"stack,omitempty"`
}

// HTTPResponse is the terminal HTTP response descriptor written by an
// http-response node. A message carrying one is terminal: the engine must
// preserve it through any subsequent hops rather than discard it.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    any               `json:"payload"`
}

// Message is the record flowing through a trigger. MsgID is mandatory and
// retains its value across deep copies until a node explicitly re-identifies
// it; Topic, Parts, Err and HTTPResponse are optional well-known slots;
// Fields is the open bag for arbitrary user-set keys (the message "payload"
// lives at Fields["payload"] by convention, matching how node bodies in the
// standard set read/write it).
type Message struct {
	MsgID        string         `json:"msg_id"`
	Topic        string         `json:"topic,omitempty"`
	Parts        *Parts         `json:"parts,omitempty"`
	Err          *ExecError     `json:"error,omitempty"`
	HTTPResponse *HTTPResponse  `json:"http_response,omitempty"`
	Fields       map[string]any `json:"fields"`
}

// New returns an empty message with a freshly generated msg_id.
func New() *Message {
	return &Message{
		MsgID:  uuid.NewString(),
		Fields: make(map[string]any),
	}
}

// NewWithPayload returns a new message with Fields["payload"] set to payload.
func NewWithPayload(payload any) *Message {
	m := New()
	m.Fields["payload"] = payload
	return m
}

// Payload returns Fields["payload"], the conventional payload slot.
func (m *Message) Payload() any {
	if m == nil || m.Fields == nil {
		return nil
	}
	return m.Fields["payload"]
}

// SetPayload sets Fields["payload"].
func (m *Message) SetPayload(v any) {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields["payload"] = v
}

// IsTerminal reports whether m carries an HTTP response descriptor.
func (m *Message) IsTerminal() bool {
	return m != nil && m.HTTPResponse != nil
}

// Clone returns a structural deep copy of m. The copy retains the same
// MsgID (per the invariant in the data model: cloning assigns no new
// identity), aliases no sub-objects with the original, and preserves every
// user field. Clone is used whenever a node emits to more than one wire
// target, satisfying message independence: mutating the clone delivered to
// one target must never affect the clone delivered to another.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		MsgID:  m.MsgID,
		Topic:  m.Topic,
		Fields: deepCopyMap(m.Fields),
	}
	if m.Parts != nil {
		p := *m.Parts
		out.Parts = &p
	}
	if m.Err != nil {
		e := *m.Err
		out.Err = &e
	}
	if m.HTTPResponse != nil {
		out.HTTPResponse = cloneHTTPResponse(m.HTTPResponse)
	}
	return out
}

func cloneHTTPResponse(r *HTTPResponse) *HTTPResponse {
	out := &HTTPResponse{
		StatusCode: r.StatusCode,
		Payload:    deepCopyValue(r.Payload),
	}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// deepCopyMap performs a structural copy of a string-keyed map of arbitrary
// values, walking nested maps/slices so no mutable sub-object is shared with
// the source.
func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		// Messages are required to be serialisable (§4.A); round-tripping
		// through JSON is the one way to structurally copy a value of
		// truly arbitrary concrete type (custom structs, typed slices)
		// without a type switch per node's payload shape.
		return jsonRoundTrip(val)
	}
}

func jsonRoundTrip(v any) any {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
