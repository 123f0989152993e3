// Package ws hosts the websocket transport and the hub: a single event
// loop that owns every room. One inbound message is processed to completion
// before the next, so room mutations need no locking; the only things that
// escape the loop are store calls, whose completions are funneled back in
// as tasks and re-validated against a version snapshot.
package ws

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/schemaboard/collab/internal/gist"
	"github.com/schemaboard/collab/internal/protocol"
	"github.com/schemaboard/collab/internal/room"
)

// Store is the external revisioned document store, as used by the hub.
// *gist.Client implements it; tests substitute fakes.
type Store interface {
	Get(ctx context.Context, id string) (*gist.Gist, error)
	Patch(ctx context.Context, id, filename, content string) (*gist.Revision, error)
	ListRevisions(ctx context.Context, id string, page, perPage int) ([]gist.Revision, error)
}

// Options configures the hub. Zero-valued fields take defaults from
// DefaultOptions.
type Options struct {
	Room            room.Options
	Flush           room.FlushPolicy
	IdleGrace       time.Duration
	TickInterval    time.Duration
	AllowForceEdit  bool
	PersistFilename string
}

// DefaultOptions returns the hub defaults used when configuration is absent.
func DefaultOptions() Options {
	return Options{
		Room:            room.DefaultOptions(),
		Flush:           room.DefaultFlushPolicy(),
		IdleGrace:       60 * time.Second,
		TickInterval:    10 * time.Second,
		PersistFilename: "share.json",
	}
}

type inbound struct {
	client *Client
	msg    *protocol.ClientMessage
}

// Hub owns the room registry and processes every connection's messages on
// one goroutine.
type Hub struct {
	opts     Options
	store    Store // nil when persistence is disabled
	registry *room.Registry

	inbound    chan inbound
	register   chan *Client
	unregister chan *Client
	tasks      chan func()
	quit       chan chan struct{}

	clients map[*Client]bool

	// sweep reentrancy guard; the loop is serial so this never trips, but
	// it keeps the invariant explicit and checkable
	sweeping bool

	// counters readable from HTTP handlers
	roomCount   atomic.Int64
	clientCount atomic.Int64
}

// NewHub creates a hub. store may be nil, which disables persistence.
func NewHub(store Store, opts Options) *Hub {
	if opts.TickInterval <= 0 {
		opts = DefaultOptions()
	}
	return &Hub{
		opts:       opts,
		store:      store,
		registry:   room.NewRegistry(opts.Room),
		inbound:    make(chan inbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		tasks:      make(chan func(), 64),
		quit:       make(chan chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run processes events until Shutdown. Call it on its own goroutine.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.clientCount.Store(int64(len(h.clients)))

		case c := <-h.unregister:
			h.handleDisconnect(c, time.Now())

		case in := <-h.inbound:
			h.handleMessage(in.client, in.msg, time.Now())

		case fn := <-h.tasks:
			fn()

		case <-ticker.C:
			h.maintain(time.Now())

		case done := <-h.quit:
			h.finalFlush()
			close(done)
			return
		}
	}
}

// Shutdown stops the loop after a best-effort flush of every dirty room.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case h.quit <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoomCount returns the number of live rooms. Safe from any goroutine.
func (h *Hub) RoomCount() int { return int(h.roomCount.Load()) }

// ClientCount returns the number of open connections. Safe from any goroutine.
func (h *Hub) ClientCount() int { return int(h.clientCount.Load()) }

// PersistenceEnabled reports whether a store is configured.
func (h *Hub) PersistenceEnabled() bool { return h.store != nil }

// RoomStats is a per-room snapshot for the stats endpoint.
type RoomStats struct {
	ShareID     string `json:"shareId"`
	Connections int    `json:"connections"`
	Version     int64  `json:"version"`
	Dirty       bool   `json:"dirty"`
	EditorID    string `json:"editorId,omitempty"`
}

// Stats collects per-room snapshots on the hub loop. Returns nil when the
// loop does not respond before the context deadline.
func (h *Hub) Stats(ctx context.Context) []RoomStats {
	out := make(chan []RoomStats, 1)
	collect := func() {
		stats := make([]RoomStats, 0, h.registry.Len())
		h.registry.Each(func(r *room.Room) {
			_, version := r.Document()
			stats = append(stats, RoomStats{
				ShareID:     r.ShareID,
				Connections: r.ConnCount(),
				Version:     version,
				Dirty:       r.Dirty(),
				EditorID:    r.EditorID(),
			})
		})
		out <- stats
	}
	select {
	case h.tasks <- collect:
	case <-ctx.Done():
		return nil
	}
	select {
	case stats := <-out:
		return stats
	case <-ctx.Done():
		return nil
	}
}

// enqueue marshals an async completion back into the loop.
func (h *Hub) enqueue(fn func()) {
	h.tasks <- fn
}

func (h *Hub) handleMessage(c *Client, msg *protocol.ClientMessage, now time.Time) {
	// messages may still sit in the inbound buffer when the unregister is
	// processed; drop anything from a connection already removed
	if !h.clients[c] {
		return
	}

	if msg.Type == protocol.TypeHello {
		h.handleHello(c, msg, now)
		return
	}

	// every other message requires a bound connection
	if c.shareID == "" || c.memberID == "" {
		return
	}
	r := h.registry.Get(c.shareID)
	if r == nil {
		return
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		r.Touch(c.memberID, now)
		h.broadcastPresence(r)

	case protocol.TypeSetDisplayName:
		r.SetDisplayName(c.memberID, msg.DisplayName, now)
		h.broadcastPresence(r)

	case protocol.TypeOp:
		h.handleOp(c, r, msg, now)

	case protocol.TypeRequestEdit:
		r.Touch(c.memberID, now)
		prevEditor := r.EditorID()
		role, reason := r.GrantEdit(c.memberID, now)
		if role == protocol.RoleEdit && prevEditor != c.memberID {
			h.broadcastMode(r, reason, now)
			h.broadcastPresence(r)
		} else {
			c.Send(protocol.Marshal(r.ModeFor(c.memberID, reason, now)))
		}

	case protocol.TypeReleaseEdit:
		if r.ReleaseEdit(c.memberID) {
			h.broadcastMode(r, protocol.ReasonReleased, now)
			h.broadcastPresence(r)
		}

	case protocol.TypeRequestRelease:
		h.handleRequestRelease(c, r, now)

	case protocol.TypeDismissRequest:
		if r.EditorID() != c.memberID {
			return
		}
		r.Dismiss(c.memberID, msg.Target, now)
		dismissed := protocol.Marshal(&protocol.EditRequestDismissed{
			Type:   protocol.TypeEditRequestDismissed,
			Target: msg.Target,
		})
		c.Send(dismissed)
		r.SendToMember(msg.Target, dismissed)

	case protocol.TypeForceEdit:
		h.handleForceEdit(c, r, now)

	case protocol.TypePersistNow:
		h.handlePersistNow(c, r, now)
	}
}

func (h *Hub) handleHello(c *Client, msg *protocol.ClientMessage, now time.Time) {
	// rebinding to another share leaves the old room first
	if c.shareID != "" && c.shareID != msg.ShareID {
		if old := h.registry.Get(c.shareID); old != nil {
			h.leaveRoom(c, old, now)
		}
	}

	created := h.registry.Get(msg.ShareID) == nil
	r := h.registry.GetOrCreate(msg.ShareID)
	h.roomCount.Store(int64(h.registry.Len()))
	if created {
		log.Printf("Room %s created", msg.ShareID)
	}

	c.shareID = msg.ShareID
	c.memberID = msg.MemberID
	r.Join(c, msg.DisplayName, now)

	reason := protocol.ReasonGranted
	if msg.RequestedRole == protocol.RoleEdit {
		_, reason = r.GrantEdit(c.memberID, now)
	}

	c.Send(protocol.Marshal(r.ModeFor(c.memberID, reason, now)))

	if doc, version := r.Document(); doc != nil {
		c.Send(protocol.Marshal(&protocol.OpBroadcast{
			Type:     protocol.TypeOp,
			SenderID: "server",
			Op: protocol.DocOp{
				Kind:    protocol.KindDocReplace,
				Diagram: doc,
				Version: version,
			},
		}))
	} else if created && h.store != nil {
		h.hydrate(r)
	}

	h.broadcastPresence(r)
}

func (h *Hub) handleOp(c *Client, r *room.Room, msg *protocol.ClientMessage, now time.Time) {
	accepted, sanitized, version, err := r.ApplyReplace(c.memberID, msg.Op.Diagram, now)
	if err != nil {
		c.Send(protocol.Marshal(&protocol.ServerError{
			Type:  protocol.TypeError,
			Error: err.Error(),
		}))
		return
	}
	if !accepted {
		return
	}

	r.Broadcast(protocol.Marshal(&protocol.OpBroadcast{
		Type:     protocol.TypeOp,
		SenderID: c.memberID,
		Op: protocol.DocOp{
			Kind:    protocol.KindDocReplace,
			Diagram: sanitized,
			Version: version,
		},
	}))

	h.maybeFlush(r, false, now)
}

func (h *Hub) handleRequestRelease(c *Client, r *room.Room, now time.Time) {
	editorID := r.EditorID()
	if editorID == "" || editorID == c.memberID {
		c.Send(protocol.Marshal(&protocol.EditRequestDenied{
			Type:   protocol.TypeEditRequestDenied,
			Reason: protocol.ReasonReleased,
		}))
		return
	}
	if r.Dismissed(editorID, c.memberID, now) {
		c.Send(protocol.Marshal(&protocol.EditRequestDenied{
			Type:     protocol.TypeEditRequestDenied,
			Reason:   protocol.ReasonDismissed,
			EditorID: editorID,
		}))
		return
	}

	r.SendToMember(editorID, protocol.Marshal(&protocol.EditRequest{
		Type:            protocol.TypeEditRequest,
		FromID:          c.memberID,
		FromDisplayName: r.DisplayName(c.memberID),
		At:              now.UnixMilli(),
	}))
	c.Send(protocol.Marshal(&protocol.EditRequestSent{
		Type:     protocol.TypeEditRequestSent,
		EditorID: editorID,
	}))
}

func (h *Hub) handleForceEdit(c *Client, r *room.Room, now time.Time) {
	if !h.opts.AllowForceEdit {
		c.Send(protocol.Marshal(&protocol.ForceEditDenied{
			Type:     protocol.TypeForceEditDenied,
			Reason:   protocol.ReasonDisabled,
			EditorID: r.EditorID(),
		}))
		return
	}
	prev := r.ForceEdit(c.memberID, now)
	if prev != "" {
		log.Printf("Room %s: %s forcibly took the edit lock from %s", r.ShareID, c.memberID, prev)
	}
	h.broadcastMode(r, protocol.ReasonForced, now)
	h.broadcastPresence(r)
}

func (h *Hub) handlePersistNow(c *Client, r *room.Room, now time.Time) {
	if h.store == nil {
		c.Send(protocol.Marshal(&protocol.PersistError{
			Type:    protocol.TypePersistError,
			Error:   protocol.ReasonDisabled,
			Message: "persistence is not configured",
		}))
		return
	}
	if !r.Dirty() {
		c.Send(protocol.Marshal(&protocol.Persisted{
			Type:             protocol.TypePersisted,
			LastFlushedAt:    now.UnixMilli(),
			PersistedVersion: r.LastPersistedVersion(),
			NoChanges:        true,
		}))
		return
	}
	h.maybeFlush(r, true, now)
}

func (h *Hub) handleDisconnect(c *Client, now time.Time) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.clientCount.Store(int64(len(h.clients)))
	close(c.done)

	if c.shareID == "" {
		return
	}
	r := h.registry.Get(c.shareID)
	if r == nil {
		return
	}
	h.leaveRoom(c, r, now)
}

func (h *Hub) leaveRoom(c *Client, r *room.Room, now time.Time) {
	lockReleased, empty := r.Leave(c, now)
	if lockReleased {
		h.broadcastMode(r, protocol.ReasonExpired, now)
	}
	if empty {
		// final chance to persist before the eviction sweep gets it
		h.maybeFlush(r, true, now)
		log.Printf("Room %s empty", r.ShareID)
		return
	}
	h.broadcastPresence(r)
}

// broadcastMode sends each member an individualized mode message; role is
// per-recipient while everything else is room state.
func (h *Hub) broadcastMode(r *room.Room, reason string, now time.Time) {
	r.EachConn(func(conn room.Conn) {
		conn.Send(protocol.Marshal(r.ModeFor(conn.MemberID(), reason, now)))
	})
}

func (h *Hub) broadcastPresence(r *room.Room) {
	r.Broadcast(protocol.Marshal(&protocol.Presence{
		Type:    protocol.TypePresence,
		Members: r.PresenceSnapshot(),
	}))
}

// maintain is the registry's periodic sweep: expire stale presence,
// release expired locks, trigger due flushes, evict idle rooms, and
// re-broadcast presence.
func (h *Hub) maintain(now time.Time) {
	if h.sweeping {
		return
	}
	h.sweeping = true
	defer func() { h.sweeping = false }()

	var evict []string
	h.registry.Each(func(r *room.Room) {
		_, lockExpired := r.ExpireStale(now)
		if lockExpired {
			h.broadcastMode(r, protocol.ReasonExpired, now)
		}

		h.maybeFlush(r, false, now)

		if empty := r.EmptySince(); !empty.IsZero() && now.Sub(empty) >= h.opts.IdleGrace {
			if r.Dirty() && !r.InFlight() {
				h.maybeFlush(r, true, now)
			}
			if r.Evictable(h.opts.IdleGrace, h.opts.Flush, h.store != nil, now) {
				if h.store != nil && r.Dirty() {
					log.Printf("⚠️ Evicting room %s with unpersisted changes after %d failed flushes",
						r.ShareID, r.FlushFailures())
				}
				evict = append(evict, r.ShareID)
				return
			}
		}

		if r.ConnCount() > 0 {
			h.broadcastPresence(r)
		}
	})

	for _, id := range evict {
		h.registry.Remove(id)
		log.Printf("Room %s evicted (idle)", id)
	}
	h.roomCount.Store(int64(h.registry.Len()))
}

// maybeFlush starts an async flush when the policy allows. The completion
// re-enters the loop as a task and re-validates against the snapshot.
func (h *Hub) maybeFlush(r *room.Room, forced bool, now time.Time) {
	if h.store == nil || !r.ShouldFlush(h.opts.Flush, now, forced) {
		return
	}

	snap := r.BeginFlush(now)
	shareID := r.ShareID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rev, err := h.store.Patch(ctx, shareID, h.opts.PersistFilename, string(snap.Doc))
		if err == nil && rev == nil {
			// store response had no revision descriptor; ask for the latest
			if revs, lerr := h.store.ListRevisions(ctx, shareID, 1, 1); lerr == nil && len(revs) > 0 {
				rev = &revs[0]
			}
		}

		h.enqueue(func() {
			h.completeFlush(shareID, snap, rev, err)
		})
	}()
}

func (h *Hub) completeFlush(shareID string, snap room.FlushSnapshot, rev *gist.Revision, err error) {
	now := time.Now()
	r := h.registry.Get(shareID)
	if r == nil {
		return
	}

	if err != nil {
		backoff := r.FailFlush(h.opts.Flush, gist.IsRateLimited(err), now)
		log.Printf("⚠️ Persist failed for room %s (retry in %v): %v", shareID, backoff, err)
		r.Broadcast(protocol.Marshal(&protocol.PersistError{
			Type:    protocol.TypePersistError,
			Error:   "persist_failed",
			Message: err.Error(),
		}))
		return
	}

	var revision, updatedAt string
	if rev != nil {
		revision, updatedAt = rev.Revision, rev.UpdatedAt
	}
	if stale := r.CompleteFlush(snap, revision, updatedAt, now); stale {
		// document moved on mid-flight; persist the newer state right away
		h.maybeFlush(r, true, now)
		return
	}

	r.Broadcast(protocol.Marshal(&protocol.Persisted{
		Type:             protocol.TypePersisted,
		LastFlushedAt:    now.UnixMilli(),
		Revision:         revision,
		UpdatedAt:        updatedAt,
		PersistedVersion: snap.Version,
	}))
}

// hydrate loads an existing snapshot from the store into a freshly created
// room. A room that received a write meanwhile rejects the late result.
func (h *Hub) hydrate(r *room.Room) {
	shareID := r.ShareID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		g, err := h.store.Get(ctx, shareID)
		if err != nil {
			if !errors.Is(err, gist.ErrNotFound) {
				log.Printf("⚠️ Hydration failed for room %s: %v", shareID, err)
			}
			return
		}

		h.enqueue(func() {
			cur := h.registry.Get(shareID)
			if cur == nil {
				return
			}
			if !cur.SetHydrated([]byte(g.Content), g.Revision, g.UpdatedAt) {
				return
			}
			doc, version := cur.Document()
			cur.Broadcast(protocol.Marshal(&protocol.OpBroadcast{
				Type:     protocol.TypeOp,
				SenderID: "server",
				Op: protocol.DocOp{
					Kind:    protocol.KindDocReplace,
					Diagram: doc,
					Version: version,
				},
			}))
		})
	}()
}

// finalFlush synchronously persists every dirty room during shutdown.
func (h *Hub) finalFlush() {
	if h.store == nil {
		return
	}
	h.registry.Each(func(r *room.Room) {
		doc, _ := r.Document()
		if !r.Dirty() || doc == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := h.store.Patch(ctx, r.ShareID, h.opts.PersistFilename, string(doc))
		cancel()
		if err != nil {
			log.Printf("⚠️ Shutdown flush failed for room %s: %v", r.ShareID, err)
		}
	})
}
