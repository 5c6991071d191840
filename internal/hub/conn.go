// Package hub implements the Sonde hub: the agent transport, the live-agent
// dispatcher, enrollment, the probe router, the integration executor, the
// runbook engine, and the tool surface served to MCP clients.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sonde-sh/sonde/internal/protocol"
)

// Conn is the hub's view of one websocket peer. Tests substitute an
// in-memory implementation.
type Conn interface {
	// WriteJSON sends one JSON text frame. Implementations serialize
	// concurrent writers so frames never interleave.
	WriteJSON(v any) error
	Close() error
	RemoteAddr() string
}

// wsConn wraps a gorilla websocket with a write lock. gorilla allows only
// one concurrent writer per connection.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{ws: ws}
}

func (c *wsConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// writeError sends the bare protocol error frame for a bad inbound frame.
func writeError(c Conn, msg string) {
	_ = c.WriteJSON(protocol.ErrorFrame{Error: msg})
}
