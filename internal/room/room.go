// Package room holds the per-share coordination state: connected members,
// presence, the edit lock, the document snapshot and its version counter,
// and the dirty/backoff bookkeeping that drives persistence.
//
// Rooms are not safe for concurrent use. Every method is called from the
// hub's single event loop (or from tests), so no locking is needed; methods
// take `now` so callers control the clock.
package room

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/schemaboard/collab/internal/protocol"
)

// Conn is one bound connection as seen by its room. Implemented by the
// websocket client; tests use in-memory fakes.
type Conn interface {
	MemberID() string
	Send(data []byte)
}

// Options are the room-level tunables, shared by every room in a registry.
type Options struct {
	// PresenceTTL is how long a member stays in presence without a heartbeat.
	PresenceTTL time.Duration
	// LockTTL is how stale the editor's presence may be before the lock
	// silently expires.
	LockTTL time.Duration
	// DismissTTL suppresses repeat edit-request notices after a dismissal.
	DismissTTL time.Duration
}

// DefaultOptions mirrors the server's default configuration.
func DefaultOptions() Options {
	return Options{
		PresenceTTL: 30 * time.Second,
		LockTTL:     30 * time.Second,
		DismissTTL:  60 * time.Second,
	}
}

type presenceEntry struct {
	lastSeen    time.Time
	role        string
	displayName string
}

// Room is the in-memory coordination state for one shared document.
type Room struct {
	ShareID string

	opts Options

	conns    map[Conn]bool
	presence map[string]*presenceEntry

	doc     json.RawMessage // canonical sanitized snapshot, nil if none yet
	version int64

	editorID        string
	editorGrantedAt time.Time

	// dismissals maps editorID+"\x00"+requesterID to suppression expiry.
	dismissals map[string]time.Time

	// persistence bookkeeping, driven by the hub's flush orchestration
	dirty                bool
	pendingOps           int
	lastPersistedVersion int64
	lastFlushedAt        time.Time
	inFlight             bool
	backoffUntil         time.Time
	backoffDur           time.Duration
	flushFailures        int

	// cached descriptor of the last persisted revision; display only
	revision          string
	revisionUpdatedAt string

	emptySince time.Time // zero while the room has connections
}

// New creates an empty room for shareID.
func New(shareID string, opts Options) *Room {
	return &Room{
		ShareID:    shareID,
		opts:       opts,
		conns:      make(map[Conn]bool),
		presence:   make(map[string]*presenceEntry),
		dismissals: make(map[string]time.Time),
	}
}

// Join adds a bound connection and its presence entry. Members always join
// as viewers; the caller promotes via GrantEdit.
func (r *Room) Join(c Conn, displayName string, now time.Time) {
	r.conns[c] = true
	r.emptySince = time.Time{}
	entry := r.presence[c.MemberID()]
	if entry == nil {
		entry = &presenceEntry{role: protocol.RoleView}
		r.presence[c.MemberID()] = entry
	}
	entry.lastSeen = now
	if displayName != "" {
		entry.displayName = displayName
	}
}

// Leave removes a connection. It reports whether the member held the edit
// lock (now released) and whether the room is now empty.
func (r *Room) Leave(c Conn, now time.Time) (lockReleased, empty bool) {
	delete(r.conns, c)
	memberID := c.MemberID()
	if !r.hasConnFor(memberID) {
		delete(r.presence, memberID)
		if r.editorID == memberID {
			r.clearEditor()
			lockReleased = true
		}
	}
	if len(r.conns) == 0 {
		r.emptySince = now
		empty = true
	}
	return lockReleased, empty
}

func (r *Room) hasConnFor(memberID string) bool {
	for c := range r.conns {
		if c.MemberID() == memberID {
			return true
		}
	}
	return false
}

// Touch refreshes a member's presence timestamp.
func (r *Room) Touch(memberID string, now time.Time) {
	if entry, ok := r.presence[memberID]; ok {
		entry.lastSeen = now
	}
}

// SetDisplayName updates a member's display name in presence.
func (r *Room) SetDisplayName(memberID, displayName string, now time.Time) {
	if entry, ok := r.presence[memberID]; ok {
		entry.displayName = displayName
		entry.lastSeen = now
	}
}

// DisplayName returns the member's current display name, if any.
func (r *Room) DisplayName(memberID string) string {
	if entry, ok := r.presence[memberID]; ok {
		return entry.displayName
	}
	return ""
}

// EditorID returns the current lock holder, or "".
func (r *Room) EditorID() string { return r.editorID }

// editorLive reports whether the current lock holder has a fresh enough
// presence entry for the lock to still count.
func (r *Room) editorLive(now time.Time) bool {
	if r.editorID == "" {
		return false
	}
	entry, ok := r.presence[r.editorID]
	if !ok {
		return false
	}
	return now.Sub(entry.lastSeen) <= r.opts.LockTTL
}

func (r *Room) setEditor(memberID string, now time.Time) {
	if r.editorID != "" {
		if prev, ok := r.presence[r.editorID]; ok {
			prev.role = protocol.RoleView
		}
	}
	r.editorID = memberID
	r.editorGrantedAt = now
	if entry, ok := r.presence[memberID]; ok {
		entry.role = protocol.RoleEdit
	}
}

func (r *Room) clearEditor() {
	if entry, ok := r.presence[r.editorID]; ok {
		entry.role = protocol.RoleView
	}
	r.editorID = ""
	r.editorGrantedAt = time.Time{}
}

// GrantEdit attempts to give memberID the edit lock. At most one member
// holds the lock; a stale holder is silently displaced.
func (r *Room) GrantEdit(memberID string, now time.Time) (role, reason string) {
	if r.editorID == memberID {
		r.editorGrantedAt = now
		return protocol.RoleEdit, protocol.ReasonGranted
	}
	if r.editorLive(now) {
		return protocol.RoleView, protocol.ReasonLocked
	}
	r.setEditor(memberID, now)
	return protocol.RoleEdit, protocol.ReasonGranted
}

// ReleaseEdit clears the lock if memberID holds it.
func (r *Room) ReleaseEdit(memberID string) bool {
	if memberID == "" || r.editorID != memberID {
		return false
	}
	r.clearEditor()
	return true
}

// ForceEdit unconditionally reassigns the lock to memberID, demoting the
// previous editor. Returns the demoted editor's ID, or "".
func (r *Room) ForceEdit(memberID string, now time.Time) (prevEditor string) {
	prevEditor = r.editorID
	if prevEditor == memberID {
		prevEditor = ""
	}
	r.setEditor(memberID, now)
	return prevEditor
}

// ExpireStale drops presence entries past the presence TTL, releases the
// lock if its holder went stale, and prunes expired dismissals. Presence
// entries backed by an open connection are kept even when silent; a live
// socket is proof of life.
func (r *Room) ExpireStale(now time.Time) (removed []string, lockExpired bool) {
	cutoff := now.Add(-r.opts.PresenceTTL)
	for id, entry := range r.presence {
		if entry.lastSeen.Before(cutoff) && !r.hasConnFor(id) {
			delete(r.presence, id)
			removed = append(removed, id)
		}
	}
	if r.editorID != "" && !r.editorLive(now) {
		r.clearEditor()
		lockExpired = true
	}
	for key, until := range r.dismissals {
		if now.After(until) {
			delete(r.dismissals, key)
		}
	}
	return removed, lockExpired
}

// Dismiss suppresses edit-request notices from target to editorID for the
// dismissal TTL.
func (r *Room) Dismiss(editorID, target string, now time.Time) {
	r.dismissals[editorID+"\x00"+target] = now.Add(r.opts.DismissTTL)
}

// Dismissed reports whether notices from requester to editorID are
// currently suppressed.
func (r *Room) Dismissed(editorID, requester string, now time.Time) bool {
	until, ok := r.dismissals[editorID+"\x00"+requester]
	return ok && now.Before(until)
}

// ApplyReplace runs the write-acceptance algorithm for a doc:replace op
// from memberID. The diagram is sanitized and compared against the current
// snapshot; identical payloads are no-ops. On acceptance the version is
// bumped and the room marked dirty.
func (r *Room) ApplyReplace(memberID string, diagram json.RawMessage, now time.Time) (accepted bool, sanitized json.RawMessage, version int64, err error) {
	if memberID == "" || r.editorID != memberID {
		return false, nil, r.version, nil
	}
	sanitized, err = Sanitize(diagram)
	if err != nil {
		return false, nil, r.version, err
	}
	if r.doc != nil && bytes.Equal(sanitized, r.doc) {
		return false, nil, r.version, nil
	}
	r.doc = sanitized
	r.version++
	r.dirty = true
	r.pendingOps++
	if r.lastFlushedAt.IsZero() {
		// anchor the flush interval at the first write
		r.lastFlushedAt = now
	}
	return true, sanitized, r.version, nil
}

// Sanitize strips purely local fields from a diagram (the viewport
// transform) and re-encodes it canonically so value-equal diagrams compare
// byte-equal.
func Sanitize(diagram json.RawMessage) (json.RawMessage, error) {
	var v interface{}
	if err := json.Unmarshal(diagram, &v); err != nil {
		return nil, fmt.Errorf("invalid diagram: %w", err)
	}
	if m, ok := v.(map[string]interface{}); ok {
		delete(m, "transform")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Document returns the current snapshot (nil if none) and its version.
func (r *Room) Document() (json.RawMessage, int64) {
	return r.doc, r.version
}

// Broadcast sends an encoded message to every connection in the room.
func (r *Room) Broadcast(data []byte) {
	for c := range r.conns {
		c.Send(data)
	}
}

// SendToMember sends to every connection bound to memberID.
func (r *Room) SendToMember(memberID string, data []byte) {
	for c := range r.conns {
		if c.MemberID() == memberID {
			c.Send(data)
		}
	}
}

// EachConn calls fn for every connection in the room.
func (r *Room) EachConn(fn func(Conn)) {
	for c := range r.conns {
		fn(c)
	}
}

// SetHydrated installs a snapshot loaded from the external store. Only an
// untouched room accepts hydration; once a write has happened the
// in-memory document is authoritative.
func (r *Room) SetHydrated(doc json.RawMessage, revision, updatedAt string) bool {
	if r.doc != nil || r.version != 0 || r.dirty {
		return false
	}
	sanitized, err := Sanitize(doc)
	if err != nil {
		return false
	}
	r.doc = sanitized
	r.revision = revision
	r.revisionUpdatedAt = updatedAt
	return true
}

// ConnCount returns the number of open connections.
func (r *Room) ConnCount() int { return len(r.conns) }

// EmptySince returns when the last connection left, or the zero time.
func (r *Room) EmptySince() time.Time { return r.emptySince }

// PresenceSnapshot builds the presence map broadcast to clients.
func (r *Room) PresenceSnapshot() map[string]protocol.MemberInfo {
	members := make(map[string]protocol.MemberInfo, len(r.presence))
	for id, entry := range r.presence {
		members[id] = protocol.MemberInfo{
			LastSeenAt:  entry.lastSeen.UnixMilli(),
			Role:        entry.role,
			DisplayName: entry.displayName,
		}
	}
	return members
}

// ModeFor builds a mode message for memberID with the given reason.
func (r *Room) ModeFor(memberID, reason string, now time.Time) *protocol.Mode {
	role := protocol.RoleView
	if memberID != "" && r.editorID == memberID {
		role = protocol.RoleEdit
	}
	return &protocol.Mode{
		Type:                 protocol.TypeMode,
		Role:                 role,
		Reason:               reason,
		EditorID:             r.editorID,
		RoomVersion:          r.version,
		LastPersistedVersion: r.lastPersistedVersion,
		Dirty:                r.dirty,
		Revision:             r.revision,
		UpdatedAt:            r.revisionUpdatedAt,
	}
}
