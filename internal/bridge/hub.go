package bridge

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
)

const (
	// writeWait is the per-message write deadline.
	writeWait = 10 * time.Second

	// pongWait bounds how long a silent peer stays connected.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize limits inbound client frames.
	maxMessageSize = 4 * 1024 * 1024

	// sendBuffer is the per-client outbound queue. A client that cannot
	// drain this fast enough is dropped with a diagnostic.
	sendBuffer = 256
)

// conn is one attached wire client. Writes to the socket happen only in
// writePump, so they are serialized per client.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	server *Server
}

func newConn(id string, ws *websocket.Conn, server *Server) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		server: server,
	}
}

// enqueue appends data to the client's outbound queue. Returns false when
// the queue is full; the caller drops the client.
func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump delivers inbound frames to the server until the socket closes.
func (c *conn) readPump() {
	defer func() {
		c.server.detach(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Str("client", c.id).Msg("client read error")
			}
			return
		}
		c.server.handleInbound(c, message)
	}
}

// writePump drains the outbound queue to the socket and keeps the
// connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
