package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/schemaboard/collab/internal/protocol"
	"github.com/schemaboard/collab/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4 * 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. The pump goroutines own the socket;
// the bound share/member identity is owned by the hub loop.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{} // closed by the hub on unregister
	rateLimiter *ratelimit.Limiter
	connID      string

	// bound state, mutated only by the hub loop
	shareID  string
	memberID string
}

// MemberID implements room.Conn.
func (c *Client) MemberID() string { return c.memberID }

// Send implements room.Conn. It never blocks; a client that cannot drain
// its buffer loses messages rather than stalling the hub loop.
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("⚠️ Dropping message to slow client %s (room %s)", c.connID, c.shareID)
	}
}

// ServeWs upgrades an HTTP request and starts the connection's pumps. The
// connection stays unbound until its first hello message.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 512),
		done:        make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		connID:      uuid.NewString(),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for client %s in room %s (warning #%d)",
					c.connID, c.shareID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("🚫 Disconnecting client %s for excessive rate limit violations", c.connID)
				return
			}
			continue
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			c.Send(protocol.Marshal(&protocol.ServerError{
				Type:  protocol.TypeError,
				Error: err.Error(),
			}))
			continue
		}

		c.hub.inbound <- inbound{client: c, msg: msg}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
