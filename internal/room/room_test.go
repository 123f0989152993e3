package room

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/schemaboard/collab/internal/protocol"
)

// fakeConn collects everything sent to one member.
type fakeConn struct {
	memberID string
	received [][]byte
}

func (f *fakeConn) MemberID() string { return f.memberID }
func (f *fakeConn) Send(data []byte) { f.received = append(f.received, data) }

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRoom() *Room {
	return New("share-1", DefaultOptions())
}

func TestGrantEditSingleEditor(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	b := &fakeConn{memberID: "b"}
	r.Join(a, "Ada", t0)
	r.Join(b, "Bob", t0)

	role, reason := r.GrantEdit("a", t0)
	if role != protocol.RoleEdit || reason != protocol.ReasonGranted {
		t.Fatalf("Expected edit/granted, got %s/%s", role, reason)
	}

	role, reason = r.GrantEdit("b", t0)
	if role != protocol.RoleView || reason != protocol.ReasonLocked {
		t.Errorf("Expected view/locked for b, got %s/%s", role, reason)
	}
	if r.EditorID() != "a" {
		t.Errorf("Editor should still be a, got %q", r.EditorID())
	}

	// re-requesting while holding the lock is a no-op grant
	role, reason = r.GrantEdit("a", t0)
	if role != protocol.RoleEdit || reason != protocol.ReasonGranted {
		t.Errorf("Editor re-grant should succeed, got %s/%s", role, reason)
	}

	editors := 0
	for _, m := range r.PresenceSnapshot() {
		if m.Role == protocol.RoleEdit {
			editors++
		}
	}
	if editors != 1 {
		t.Errorf("Expected exactly 1 editor in presence, got %d", editors)
	}
}

func TestGrantEditDisplacesStaleEditor(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	r.Join(a, "", t0)
	r.GrantEdit("a", t0)

	// b shows up after a's presence has gone stale past the lock TTL
	later := t0.Add(DefaultOptions().LockTTL + time.Second)
	b := &fakeConn{memberID: "b"}
	r.Join(b, "", later)

	role, reason := r.GrantEdit("b", later)
	if role != protocol.RoleEdit || reason != protocol.ReasonGranted {
		t.Errorf("Stale lock should be displaced, got %s/%s", role, reason)
	}
	if r.EditorID() != "b" {
		t.Errorf("Editor should be b, got %q", r.EditorID())
	}
}

func TestReleaseEdit(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	r.Join(a, "", t0)
	r.GrantEdit("a", t0)

	if r.ReleaseEdit("b") {
		t.Error("Non-editor release should be rejected")
	}
	if !r.ReleaseEdit("a") {
		t.Error("Editor release should succeed")
	}
	if r.EditorID() != "" {
		t.Errorf("Editor should be cleared, got %q", r.EditorID())
	}
}

func TestLeaveReleasesLock(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	b := &fakeConn{memberID: "b"}
	r.Join(a, "", t0)
	r.Join(b, "", t0)
	r.GrantEdit("a", t0)

	lockReleased, empty := r.Leave(a, t0)
	if !lockReleased {
		t.Error("Leaving editor should release the lock")
	}
	if empty {
		t.Error("Room should not be empty with b still connected")
	}

	role, _ := r.GrantEdit("b", t0)
	if role != protocol.RoleEdit {
		t.Errorf("b should get the lock after a left, got %s", role)
	}

	_, empty = r.Leave(b, t0)
	if !empty {
		t.Error("Room should be empty after b leaves")
	}
	if r.EmptySince().IsZero() {
		t.Error("EmptySince should be stamped")
	}
}

func TestLeaveKeepsLockWithSecondConnection(t *testing.T) {
	r := newTestRoom()
	a1 := &fakeConn{memberID: "a"}
	a2 := &fakeConn{memberID: "a"}
	r.Join(a1, "", t0)
	r.Join(a2, "", t0)
	r.GrantEdit("a", t0)

	lockReleased, _ := r.Leave(a1, t0)
	if lockReleased {
		t.Error("Lock should survive while a second connection is bound to the editor")
	}
	if r.EditorID() != "a" {
		t.Errorf("Editor should still be a, got %q", r.EditorID())
	}
}

func TestForceEdit(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	b := &fakeConn{memberID: "b"}
	r.Join(a, "", t0)
	r.Join(b, "", t0)
	r.GrantEdit("a", t0)

	prev := r.ForceEdit("b", t0)
	if prev != "a" {
		t.Errorf("Expected demoted editor a, got %q", prev)
	}
	if r.EditorID() != "b" {
		t.Errorf("Editor should be b, got %q", r.EditorID())
	}
}

func TestApplyReplaceVersioning(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	r.Join(a, "", t0)
	r.GrantEdit("a", t0)

	d1 := json.RawMessage(`{"title":"One","tables":[]}`)
	accepted, _, version, err := r.ApplyReplace("a", d1, t0)
	if err != nil || !accepted {
		t.Fatalf("First write should be accepted: accepted=%t err=%v", accepted, err)
	}
	if version != 1 {
		t.Errorf("Expected version 1, got %d", version)
	}
	if !r.Dirty() {
		t.Error("Room should be dirty after a write")
	}

	d2 := json.RawMessage(`{"title":"Two","tables":[]}`)
	accepted, _, version, _ = r.ApplyReplace("a", d2, t0)
	if !accepted || version != 2 {
		t.Errorf("Second write: accepted=%t version=%d", accepted, version)
	}
}

func TestApplyReplaceRejectsNonEditor(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	b := &fakeConn{memberID: "b"}
	r.Join(a, "", t0)
	r.Join(b, "", t0)
	r.GrantEdit("a", t0)

	accepted, _, version, err := r.ApplyReplace("b", json.RawMessage(`{"x":1}`), t0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if accepted || version != 0 {
		t.Errorf("Non-editor write should be dropped: accepted=%t version=%d", accepted, version)
	}
}

func TestApplyReplaceNoOpDetection(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	r.Join(a, "", t0)
	r.GrantEdit("a", t0)

	d := json.RawMessage(`{"title":"Same","tables":[{"id":1}]}`)
	accepted, _, v1, _ := r.ApplyReplace("a", d, t0)
	if !accepted || v1 != 1 {
		t.Fatalf("First write: accepted=%t version=%d", accepted, v1)
	}

	// byte-different but value-equal payload (different key order, added
	// viewport transform) must be a no-op
	same := json.RawMessage(`{"tables":[{"id":1}],"title":"Same","transform":{"pan":{"x":4},"zoom":2}}`)
	accepted, _, v2, _ := r.ApplyReplace("a", same, t0)
	if accepted {
		t.Error("Value-equal payload should be a no-op")
	}
	if v2 != 1 {
		t.Errorf("Version should stay 1, got %d", v2)
	}
}

func TestSanitizeStripsTransform(t *testing.T) {
	out, err := Sanitize(json.RawMessage(`{"title":"T","transform":{"zoom":1.5}}`))
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("Sanitize output not json: %v", err)
	}
	if _, ok := m["transform"]; ok {
		t.Error("transform should be stripped")
	}
	if m["title"] != "T" {
		t.Errorf("title should survive, got %v", m["title"])
	}

	if _, err := Sanitize(json.RawMessage(`{broken`)); err == nil {
		t.Error("Invalid diagram should error")
	}
}

func TestExpireStalePresenceAndLock(t *testing.T) {
	r := newTestRoom()
	a := &fakeConn{memberID: "a"}
	r.Join(a, "", t0)
	r.GrantEdit("a", t0)

	// a's socket drops without a clean leave
	r.Leave(a, t0)
	r.Join(&fakeConn{memberID: "b"}, "", t0)
	r.Touch("b", t0)

	// stale ghost entry: c heartbeated once, long ago, no connection
	r.presence["c"] = &presenceEntry{lastSeen: t0.Add(-time.Minute), role: protocol.RoleView}

	removed, _ := r.ExpireStale(t0)
	if len(removed) != 1 || removed[0] != "c" {
		t.Errorf("Expected only c removed, got %v", removed)
	}

	// b holds the lock, then goes silent past the lock TTL while its
	// connection stays open: lock expires, presence survives
	r.GrantEdit("b", t0)
	later := t0.Add(DefaultOptions().LockTTL + time.Second)
	removed, lockExpired := r.ExpireStale(later)
	if !lockExpired {
		t.Error("Silent editor's lock should expire")
	}
	if len(removed) != 0 {
		t.Errorf("Connected member should stay in presence, removed %v", removed)
	}
	if r.EditorID() != "" {
		t.Errorf("Editor should be cleared, got %q", r.EditorID())
	}
}

func TestDismissals(t *testing.T) {
	r := newTestRoom()

	r.Dismiss("a", "b", t0)
	if !r.Dismissed("a", "b", t0) {
		t.Error("Fresh dismissal should suppress")
	}
	if r.Dismissed("a", "c", t0) {
		t.Error("Other requesters should not be suppressed")
	}

	after := t0.Add(DefaultOptions().DismissTTL + time.Second)
	if r.Dismissed("a", "b", after) {
		t.Error("Dismissal should lapse after its TTL")
	}

	r.ExpireStale(after)
	if len(r.dismissals) != 0 {
		t.Errorf("Expired dismissals should be pruned, have %d", len(r.dismissals))
	}
}

func TestHydration(t *testing.T) {
	r := newTestRoom()

	if !r.SetHydrated(json.RawMessage(`{"title":"Stored","transform":{"zoom":1}}`), "rev-1", "2025-06-01T00:00:00Z") {
		t.Fatal("Untouched room should accept hydration")
	}
	doc, version := r.Document()
	if doc == nil || version != 0 {
		t.Errorf("Hydrated doc should exist at version 0, got version %d", version)
	}
	if r.Dirty() {
		t.Error("Hydration must not mark the room dirty")
	}

	if r.SetHydrated(json.RawMessage(`{"title":"Other"}`), "rev-2", "") {
		t.Error("Second hydration should be rejected")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(DefaultOptions())

	r1 := reg.GetOrCreate("s1")
	if r1 == nil {
		t.Fatal("Room should be created")
	}
	if reg.GetOrCreate("s1") != r1 {
		t.Error("GetOrCreate should be idempotent")
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 room, got %d", reg.Len())
	}

	reg.GetOrCreate("s2")
	count := 0
	reg.Each(func(*Room) { count++ })
	if count != 2 {
		t.Errorf("Each should visit 2 rooms, visited %d", count)
	}

	reg.Remove("s1")
	if reg.Get("s1") != nil {
		t.Error("Removed room should be gone")
	}
}
