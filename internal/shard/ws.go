package shard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps one upgraded WebSocket connection with the write-mutex gorilla
// requires (a *websocket.Conn tolerates at most one concurrent writer).
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	writeMu   sync.Mutex
}

// WriteJSON sends v as a single text frame, serialised against concurrent
// writers on this connection.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade accepts a WebSocket handshake on any shard URL (§6): associates
// the socket with this shard, sends the connected frame, then runs its read
// loop until close/error. Recognised inbound frames are {type:"ping"} and
// {type:"get_session", request_id}; every frame is handled via s.run so it
// observes the shard's serialised state.
func (s *Shard) Upgrade(w http.ResponseWriter, r *http.Request, sessionID string) error {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn := &Conn{ws: wsConn, sessionID: sessionID}

	s.run(func() {
		s.conns[conn] = true
	})

	if err := conn.WriteJSON(map[string]any{
		"type":       "connected",
		"session_id": sessionID,
		"timestamp":  time.Now().UnixMilli(),
	}); err != nil {
		s.removeConn(conn)
		wsConn.Close()
		return err
	}

	go s.readLoop(conn)
	return nil
}

func (s *Shard) readLoop(conn *Conn) {
	defer func() {
		s.removeConn(conn)
		conn.ws.Close()
	}()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			s.log.WithError(err).Debug("websocket: connection closed")
			return
		}
		s.handleFrame(conn, data)
	}
}

func (s *Shard) handleFrame(conn *Conn, data []byte) {
	var frame struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "ping":
		conn.WriteJSON(map[string]any{"type": "pong"})
	case "get_session":
		var session map[string]any
		s.run(func() {
			session = s.sessions[conn.sessionID]
		})
		conn.WriteJSON(map[string]any{
			"type":       "session_data",
			"request_id": frame.RequestID,
			"session":    session,
		})
	}
}

func (s *Shard) removeConn(conn *Conn) {
	s.run(func() {
		delete(s.conns, conn)
	})
}

// Broadcast sends {type:"flow_result", flow_id, result, duration_ms} to
// every connection on this shard when a flow trigger completes (§6).
func (s *Shard) Broadcast(flowID string, result any, durationMS int64) {
	var conns []*Conn
	s.run(func() {
		conns = make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
	})
	payload := map[string]any{
		"type":        "flow_result",
		"flow_id":     flowID,
		"result":      result,
		"duration_ms": durationMS,
	}
	for _, c := range conns {
		if err := c.WriteJSON(payload); err != nil {
			s.log.WithError(err).Debug("websocket: broadcast write failed")
		}
	}
}
