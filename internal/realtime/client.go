package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Consoles only send small control messages.
	maxMessageSize = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // CLI and MCP clients send no Origin
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Client is one operator console. filter is read and written only by the
// hub loop.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter Filter
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
}

// controlMessage is a hub-to-console message that is not a lifecycle event.
type controlMessage struct {
	Type    string `json:"type"`
	LastSeq uint64 `json:"lastSeq"`
	Error   string `json:"error,omitempty"`
}

func control(kind string, lastSeq uint64) controlMessage {
	return controlMessage{Type: kind, LastSeq: lastSeq}
}

// command is a console-to-hub message.
type command struct {
	Action string `json:"action"`
	Filter Filter `json:"filter"`
	Since  uint64 `json:"since"`
}

func (c command) validate() string {
	if c.Action != "subscribe" {
		return "unknown action"
	}
	for _, t := range c.Filter.EventTypes {
		if !Known(t) {
			return "unknown event type " + string(t)
		}
	}
	return ""
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.reject("malformed message")
			continue
		}
		if msg := cmd.validate(); msg != "" {
			c.reject(msg)
			continue
		}
		select {
		case c.hub.subscribe <- subscribeRequest{client: c, filter: cmd.Filter, since: cmd.Since}:
		case <-c.hub.done:
			return
		}
	}
}

// reject reports a bad command to the console and keeps the session open.
// The reply is routed through the hub, which owns c.send.
func (c *Client) reject(reason string) {
	msg := controlMessage{Type: "error", Error: reason, LastSeq: c.hub.seq.Load()}
	select {
	case c.hub.replies <- reply{client: c, msg: msg}:
	case <-c.hub.done:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
