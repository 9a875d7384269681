package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket configuration constants.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Origins are enforced by the CORS layer in front of the router.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	initial []string

	// Buffered channel of outbound messages, closed by the hub
	send chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn, symbols []string) *Client {
	return &Client{
		id:      uuid.New().String(),
		hub:     hub,
		conn:    conn,
		initial: symbols,
		send:    make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

// ReadPump pumps subscription requests from the connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("⚠️ WS unexpected close", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the connection, one frame each.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.send(c, newErrorMessage("INVALID_MESSAGE", "message must be JSON"))
		return
	}

	switch msg.Action {
	case "subscribe":
		c.hub.subscribe(c, msg.Symbols)
	case "unsubscribe":
		c.hub.unsubscribe(c, msg.Symbols)
	default:
		c.hub.send(c, newErrorMessage("UNKNOWN_ACTION", "unknown action: "+msg.Action))
	}
}
