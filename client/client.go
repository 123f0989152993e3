// Package client implements the collaborating peer: it owns the socket
// lifecycle (connect, heartbeat, reconnect with a capped backoff schedule,
// explicit disconnect), queues outgoing messages while offline, and tracks
// the role, editor, presence and persistence state reported by the server.
//
// The editor integration is two callbacks: OnRemoteOp delivers accepted
// document snapshots (already filtered for echoes and stale versions), and
// OnEvent surfaces everything else for UI use.
package client

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/schemaboard/collab/internal/protocol"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisabled   Status = "disabled"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusFailed     Status = "failed"
)

var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

const (
	maxReconnectAttempts = 10
	heartbeatInterval    = 10 * time.Second
	maxPending           = 100
)

// PersistStatus is the client's view of the room's persistence state.
type PersistStatus struct {
	Status        string // "idle", "ok" or "error"
	LastFlushedAt int64
	Revision      string
	UpdatedAt     string
	Error         string
}

// Options configures a Client. URL and ShareID are required; MemberID is
// generated when empty.
type Options struct {
	URL           string
	ShareID       string
	MemberID      string
	RequestedRole string // "edit" (default) or "view"
	DisplayName   string

	// OnStatus is called on every connection status change.
	OnStatus func(Status)
	// OnRemoteOp is called for document snapshots that should be applied:
	// not the client's own echoes, and never with a version at or below
	// one already applied.
	OnRemoteOp func(senderID string, op protocol.DocOp)
	// OnEvent is called for every other server message with its type and
	// raw payload.
	OnEvent func(msgType string, raw []byte)
}

// Client is a collaboration client. Safe for concurrent use.
type Client struct {
	opts Options

	mu                sync.Mutex
	conn              *websocket.Conn
	status            Status
	connecting        bool
	disconnected      bool // explicit disconnect, suppresses reconnection
	reconnectAttempts int
	reconnectTimer    *time.Timer
	heartbeatStop     chan struct{}
	pending           [][]byte

	role           string
	editorID       string
	presence       map[string]protocol.MemberInfo
	persist        PersistStatus
	highestApplied int64
}

// New creates a client. Call Connect to start.
func New(opts Options) *Client {
	if opts.MemberID == "" {
		opts.MemberID = uuid.NewString()
	}
	if opts.RequestedRole == "" {
		opts.RequestedRole = protocol.RoleEdit
	}
	return &Client{
		opts:           opts,
		status:         StatusDisabled,
		role:           protocol.RoleView,
		presence:       make(map[string]protocol.MemberInfo),
		persist:        PersistStatus{Status: "idle"},
		highestApplied: -1,
	}
}

// MemberID returns the client's member identifier.
func (c *Client) MemberID() string { return c.opts.MemberID }

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Role returns the server-granted role.
func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// EditorID returns the current lock holder as last reported, or "".
func (c *Client) EditorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editorID
}

// Presence returns a copy of the last presence broadcast.
func (c *Client) Presence() map[string]protocol.MemberInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	members := make(map[string]protocol.MemberInfo, len(c.presence))
	for id, m := range c.presence {
		members[id] = m
	}
	return members
}

// Persist returns the last known persistence status.
func (c *Client) Persist() PersistStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persist
}

func (c *Client) setStatus(status Status) {
	c.status = status
	if c.opts.OnStatus != nil {
		go c.opts.OnStatus(status)
	}
}

// Connect opens the socket and sends hello. Duplicate calls while already
// connecting or open are no-ops, as are calls after Disconnect.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.connecting || c.disconnected || c.conn != nil {
		c.mu.Unlock()
		return
	}
	if c.opts.URL == "" || c.opts.ShareID == "" {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.setStatus(StatusConnecting)
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.opts.URL, nil)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		log.Printf("collab: connect failed: %v", err)
		c.scheduleReconnect()
		return
	}
	if c.disconnected {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.reconnectAttempts = 0
	c.setStatus(StatusOpen)

	hello := protocol.Marshal(&protocol.ClientMessage{
		Type:          protocol.TypeHello,
		ShareID:       c.opts.ShareID,
		MemberID:      c.opts.MemberID,
		RequestedRole: c.opts.RequestedRole,
		DisplayName:   c.opts.DisplayName,
	})
	queued := c.pending
	c.pending = nil

	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.write(conn, hello)
	for _, msg := range queued {
		c.write(conn, msg)
	}

	go c.heartbeatLoop(conn, stop)
	go c.readLoop(conn)
}

// Disconnect closes the socket and permanently suppresses reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.reconnectAttempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStatus(StatusClosed)
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) {
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("collab: write failed: %v", err)
	}
}

// send encodes a message and either writes it or queues it while
// disconnected. The queue keeps its oldest entries when full.
func (c *Client) send(msg *protocol.ClientMessage) {
	data := protocol.Marshal(msg)

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.status != StatusOpen {
		if len(c.pending) < maxPending {
			c.pending = append(c.pending, data)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.write(conn, data)
}

// SendOp submits a full-document replace.
func (c *Client) SendOp(diagram json.RawMessage) {
	c.send(&protocol.ClientMessage{
		Type: protocol.TypeOp,
		Op:   &protocol.DocOp{Kind: protocol.KindDocReplace, Diagram: diagram},
	})
}

// RequestEdit asks the server for the edit lock.
func (c *Client) RequestEdit() { c.send(&protocol.ClientMessage{Type: protocol.TypeRequestEdit}) }

// ReleaseEdit gives up the edit lock.
func (c *Client) ReleaseEdit() { c.send(&protocol.ClientMessage{Type: protocol.TypeReleaseEdit}) }

// RequestRelease asks the current editor to release the lock.
func (c *Client) RequestRelease() { c.send(&protocol.ClientMessage{Type: protocol.TypeRequestRelease}) }

// ForceEdit takes the lock unconditionally, if the server allows it.
func (c *Client) ForceEdit() { c.send(&protocol.ClientMessage{Type: protocol.TypeForceEdit}) }

// DismissEditRequest suppresses further release requests from target.
func (c *Client) DismissEditRequest(target string) {
	c.send(&protocol.ClientMessage{Type: protocol.TypeDismissRequest, Target: target})
}

// PersistNow asks for an out-of-band flush.
func (c *Client) PersistNow() { c.send(&protocol.ClientMessage{Type: protocol.TypePersistNow}) }

// SetDisplayName updates the name shown to other members.
func (c *Client) SetDisplayName(name string) {
	c.send(&protocol.ClientMessage{Type: protocol.TypeSetDisplayName, DisplayName: name})
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			open := c.conn == conn && c.status == StatusOpen
			c.mu.Unlock()
			if !open {
				return
			}
			c.write(conn, protocol.Marshal(&protocol.ClientMessage{Type: protocol.TypeHeartbeat}))
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleClose(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	suppressed := c.disconnected
	if !suppressed {
		c.setStatus(StatusClosed)
	}
	c.mu.Unlock()

	if !suppressed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	if c.reconnectAttempts >= maxReconnectAttempts {
		log.Println("collab: max reconnect attempts reached, giving up")
		c.setStatus(StatusFailed)
		return
	}

	idx := c.reconnectAttempts
	if idx >= len(reconnectDelays) {
		idx = len(reconnectDelays) - 1
	}
	c.reconnectAttempts++
	c.reconnectTimer = time.AfterFunc(reconnectDelays[idx], func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect()
	})
}

func (c *Client) handleMessage(data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		log.Printf("collab: bad server message: %v", err)
		return
	}

	switch msgType {
	case protocol.TypeMode:
		var m protocol.Mode
		if json.Unmarshal(data, &m) != nil {
			return
		}
		c.mu.Lock()
		c.role = m.Role
		c.editorID = m.EditorID
		if m.Revision != "" {
			c.persist.Revision = m.Revision
			c.persist.UpdatedAt = m.UpdatedAt
		}
		c.mu.Unlock()

	case protocol.TypePresence:
		var p protocol.Presence
		if json.Unmarshal(data, &p) != nil {
			return
		}
		c.mu.Lock()
		c.presence = p.Members
		c.mu.Unlock()

	case protocol.TypeOp:
		var op protocol.OpBroadcast
		if json.Unmarshal(data, &op) != nil {
			return
		}
		c.mu.Lock()
		skip := op.SenderID == c.opts.MemberID || op.Op.Version <= c.highestApplied
		if !skip {
			c.highestApplied = op.Op.Version
		}
		c.mu.Unlock()
		if skip {
			return
		}
		if c.opts.OnRemoteOp != nil {
			c.opts.OnRemoteOp(op.SenderID, op.Op)
		}
		return

	case protocol.TypePersisted:
		var p protocol.Persisted
		if json.Unmarshal(data, &p) != nil {
			return
		}
		c.mu.Lock()
		c.persist = PersistStatus{
			Status:        "ok",
			LastFlushedAt: p.LastFlushedAt,
			Revision:      p.Revision,
			UpdatedAt:     p.UpdatedAt,
		}
		c.mu.Unlock()

	case protocol.TypePersistError:
		var p protocol.PersistError
		if json.Unmarshal(data, &p) != nil {
			return
		}
		c.mu.Lock()
		c.persist.Status = "error"
		c.persist.Error = p.Message
		c.mu.Unlock()
	}

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(msgType, data)
	}
}
