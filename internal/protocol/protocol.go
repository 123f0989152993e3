// Package protocol defines the JSON wire protocol spoken between the
// collaboration server and its clients. Each direction is a closed set of
// message types; unknown or malformed messages are rejected here, at the
// boundary, so handlers never see them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client→server message types.
const (
	TypeHello          = "hello"
	TypeHeartbeat      = "heartbeat"
	TypeOp             = "op"
	TypeRequestEdit    = "request_edit"
	TypeReleaseEdit    = "release_edit"
	TypeRequestRelease = "request_release"
	TypeDismissRequest = "dismiss_edit_request"
	TypeForceEdit      = "force_edit"
	TypePersistNow     = "persist_now"
	TypeSetDisplayName = "set_display_name"
)

// Server→client message types.
const (
	TypeMode                 = "mode"
	TypePresence             = "presence"
	TypePersisted            = "persisted"
	TypePersistError         = "persist_error"
	TypeEditRequest          = "edit_request"
	TypeEditRequestSent      = "edit_request_sent"
	TypeEditRequestDenied    = "edit_request_denied"
	TypeEditRequestDismissed = "edit_request_dismissed"
	TypeForceEditDenied      = "force_edit_denied"
	TypeError                = "error"
)

// Member roles.
const (
	RoleEdit = "edit"
	RoleView = "view"
)

// Reasons attached to mode/lock events.
const (
	ReasonGranted   = "granted"
	ReasonLocked    = "locked"
	ReasonReleased  = "released"
	ReasonExpired   = "expired"
	ReasonForced    = "forced"
	ReasonDismissed = "dismissed"
	ReasonDisabled  = "disabled"
)

// KindDocReplace is the only document op kind: a full snapshot replace.
const KindDocReplace = "doc:replace"

// DocOp carries a document operation. Diagram is kept opaque; the server
// never interprets diagram contents beyond sanitization.
type DocOp struct {
	Kind    string          `json:"kind"`
	Diagram json.RawMessage `json:"diagram,omitempty"`
	Version int64           `json:"version,omitempty"`
}

// ClientMessage is the decoded form of any client→server message.
type ClientMessage struct {
	Type          string `json:"type"`
	ShareID       string `json:"shareId,omitempty"`
	MemberID      string `json:"memberId,omitempty"`
	RequestedRole string `json:"requestedRole,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	Target        string `json:"target,omitempty"`
	Op            *DocOp `json:"op,omitempty"`
}

// DecodeClient parses and validates a client→server message. It returns an
// error for unknown types and for messages missing required fields; callers
// report the error to the offending connection and drop the message.
func DecodeClient(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	switch msg.Type {
	case TypeHello:
		if msg.ShareID == "" || msg.MemberID == "" {
			return nil, fmt.Errorf("hello missing shareId or memberId")
		}
		switch msg.RequestedRole {
		case "", RoleEdit, RoleView:
		default:
			return nil, fmt.Errorf("unknown role %q", msg.RequestedRole)
		}
		if msg.RequestedRole == "" {
			msg.RequestedRole = RoleEdit
		}
	case TypeOp:
		if msg.Op == nil {
			return nil, fmt.Errorf("op message without op")
		}
		if msg.Op.Kind != KindDocReplace {
			return nil, fmt.Errorf("unknown op kind %q", msg.Op.Kind)
		}
		if len(msg.Op.Diagram) == 0 {
			return nil, fmt.Errorf("doc:replace without diagram")
		}
	case TypeDismissRequest:
		if msg.Target == "" {
			return nil, fmt.Errorf("dismiss_edit_request missing target")
		}
	case TypeSetDisplayName:
		if msg.DisplayName == "" {
			return nil, fmt.Errorf("set_display_name missing displayName")
		}
	case TypeHeartbeat, TypeRequestEdit, TypeReleaseEdit, TypeRequestRelease,
		TypeForceEdit, TypePersistNow:
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}

	return &msg, nil
}

// PeekType returns the type discriminator of a raw message without fully
// decoding it. Used by clients to pick the right payload struct.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("invalid json: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message without type")
	}
	return env.Type, nil
}

// MemberInfo is one entry of a presence broadcast.
type MemberInfo struct {
	LastSeenAt  int64  `json:"lastSeenAt"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

// Mode tells a client its granted role and the room's current state.
type Mode struct {
	Type                 string `json:"type"`
	Role                 string `json:"role"`
	Reason               string `json:"reason"`
	EditorID             string `json:"editorId"`
	RoomVersion          int64  `json:"roomVersion"`
	LastPersistedVersion int64  `json:"lastPersistedVersion"`
	Dirty                bool   `json:"dirty"`
	Revision             string `json:"revision,omitempty"`
	UpdatedAt            string `json:"updatedAt,omitempty"`
}

// Presence carries the full presence map for a room.
type Presence struct {
	Type    string                `json:"type"`
	Members map[string]MemberInfo `json:"members"`
}

// OpBroadcast relays an accepted document op to every member.
type OpBroadcast struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
	Op       DocOp  `json:"op"`
}

// Persisted announces a successful flush to the external store.
type Persisted struct {
	Type             string `json:"type"`
	LastFlushedAt    int64  `json:"lastFlushedAt"`
	Revision         string `json:"revision,omitempty"`
	UpdatedAt        string `json:"updatedAt,omitempty"`
	PersistedVersion int64  `json:"persistedVersion"`
	NoChanges        bool   `json:"noChanges,omitempty"`
}

// PersistError announces a failed flush. Editing continues regardless.
type PersistError struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// EditRequest notifies the editor that another member wants the lock.
type EditRequest struct {
	Type            string `json:"type"`
	FromID          string `json:"fromId"`
	FromDisplayName string `json:"fromDisplayName,omitempty"`
	At              int64  `json:"at"`
}

// EditRequestSent confirms to the requester that the editor was notified.
type EditRequestSent struct {
	Type     string `json:"type"`
	EditorID string `json:"editorId"`
}

// EditRequestDenied tells the requester why no notification was sent.
type EditRequestDenied struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	EditorID string `json:"editorId,omitempty"`
}

// EditRequestDismissed confirms a dismissal to the editor.
type EditRequestDismissed struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// ForceEditDenied tells a requester that forced takeover is unavailable.
type ForceEditDenied struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	EditorID string `json:"editorId,omitempty"`
}

// ServerError reports a protocol-level problem back to one connection.
type ServerError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Marshal encodes a server→client payload, panicking on marshal failure.
// Payload structs contain only marshalable fields, so failure means a
// programming error, not bad input.
func Marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
