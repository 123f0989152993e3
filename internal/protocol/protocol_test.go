package protocol

import (
	"strings"
	"testing"
)

func TestDecodeClientHello(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"hello","shareId":"s1","memberId":"m1","requestedRole":"edit","displayName":"Ada"}`))
	if err != nil {
		t.Fatalf("Failed to decode hello: %v", err)
	}
	if msg.ShareID != "s1" || msg.MemberID != "m1" {
		t.Errorf("Unexpected identity: %q %q", msg.ShareID, msg.MemberID)
	}
	if msg.RequestedRole != RoleEdit {
		t.Errorf("Expected role edit, got %q", msg.RequestedRole)
	}
}

func TestDecodeClientHelloDefaultsRole(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"hello","shareId":"s1","memberId":"m1"}`))
	if err != nil {
		t.Fatalf("Failed to decode hello: %v", err)
	}
	if msg.RequestedRole != RoleEdit {
		t.Errorf("Expected default role edit, got %q", msg.RequestedRole)
	}
}

func TestDecodeClientRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"invalid json", `{`, "invalid json"},
		{"unknown type", `{"type":"frobnicate"}`, "unknown message type"},
		{"hello without shareId", `{"type":"hello","memberId":"m1"}`, "missing shareId"},
		{"hello without memberId", `{"type":"hello","shareId":"s1"}`, "missing shareId"},
		{"hello with bad role", `{"type":"hello","shareId":"s1","memberId":"m1","requestedRole":"admin"}`, "unknown role"},
		{"op without op", `{"type":"op"}`, "without op"},
		{"op with unknown kind", `{"type":"op","op":{"kind":"doc:patch"}}`, "unknown op kind"},
		{"op without diagram", `{"type":"op","op":{"kind":"doc:replace"}}`, "without diagram"},
		{"dismiss without target", `{"type":"dismiss_edit_request"}`, "missing target"},
		{"set_display_name empty", `{"type":"set_display_name"}`, "missing displayName"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClient([]byte(tt.raw))
			if err == nil {
				t.Fatal("Expected decode error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestDecodeClientBareTypes(t *testing.T) {
	for _, typ := range []string{
		TypeHeartbeat, TypeRequestEdit, TypeReleaseEdit,
		TypeRequestRelease, TypeForceEdit, TypePersistNow,
	} {
		msg, err := DecodeClient([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Errorf("Type %s should decode: %v", typ, err)
			continue
		}
		if msg.Type != typ {
			t.Errorf("Expected type %s, got %s", typ, msg.Type)
		}
	}
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"presence","members":{}}`))
	if err != nil {
		t.Fatalf("Failed to peek type: %v", err)
	}
	if typ != TypePresence {
		t.Errorf("Expected presence, got %q", typ)
	}

	if _, err := PeekType([]byte(`{}`)); err == nil {
		t.Error("Expected error for message without type")
	}
	if _, err := PeekType([]byte(`not json`)); err == nil {
		t.Error("Expected error for invalid json")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data := Marshal(&Mode{
		Type:        TypeMode,
		Role:        RoleEdit,
		Reason:      ReasonGranted,
		EditorID:    "m1",
		RoomVersion: 3,
		Dirty:       true,
	})

	typ, err := PeekType(data)
	if err != nil {
		t.Fatalf("Failed to peek marshaled mode: %v", err)
	}
	if typ != TypeMode {
		t.Errorf("Expected mode, got %q", typ)
	}
}
