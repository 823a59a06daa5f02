// Package protocol defines the JSON wire format spoken over the websocket:
// a {kind, data} envelope with typed payloads per kind. The transport decodes
// envelopes and the room layer decodes payloads; both directions marshal
// through the helpers here so every connection sees identical bytes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
)

// Kind discriminates message payloads in both directions.
type Kind string

// Client to server.
const (
	KindJoinRoom      Kind = "join-room"
	KindLeaveRoom     Kind = "leave-room"
	KindCreateElement Kind = "create-element"
	KindDeleteElement Kind = "delete-element"
	KindUndo          Kind = "undo"
	KindRedo          Kind = "redo"
	KindCursorMove    Kind = "cursor-move"
	KindCursorLeave   Kind = "cursor-leave"
)

// Server to client.
const (
	KindStateUpdate       Kind = "state-update"
	KindMembers           Kind = "members"
	KindRemoteCursor      Kind = "remote-cursor"
	KindRemoteCursorLeave Kind = "remote-cursor-leave"
	KindRoomDeleted       Kind = "room-deleted"
)

// Message is the wire envelope. Data stays raw until the kind is known.
type Message struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrEmptyKind is returned for envelopes without a kind.
var ErrEmptyKind = errors.New("message kind is empty")

// ErrUnknownElementType is returned for create-element payloads whose type
// tag is not line, shape, or text.
var ErrUnknownElementType = errors.New("unknown element type")

// Parse decodes one inbound frame into an envelope.
func Parse(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed message envelope: %w", err)
	}
	if msg.Kind == "" {
		return Message{}, ErrEmptyKind
	}
	return msg, nil
}

// Encode builds the outbound frame for a kind and payload.
func Encode(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Message{Kind: kind, Data: data})
}

// ElementType tags create-element payloads. "line" creates a stroke.
type ElementType string

const (
	ElementTypeLine  ElementType = "line"
	ElementTypeShape ElementType = "shape"
	ElementTypeText  ElementType = "text"
)

// --- Client Payloads ---

// CreateElementPayload carries a new element. The inner payload is decoded
// per Type; the server assigns id, author, and created_at.
type CreateElementPayload struct {
	RoomID  board.RoomID    `json:"room_id"`
	Type    ElementType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// LinePayload is the client's stroke submission.
type LinePayload struct {
	Points      []board.Point    `json:"points"`
	Color       string           `json:"color"`
	StrokeWidth float64          `json:"stroke_width"`
	Mode        board.StrokeMode `json:"mode"`
}

// ShapePayload is the client's shape submission.
type ShapePayload struct {
	Kind        board.ShapeKind `json:"kind"`
	From        board.Point     `json:"from"`
	To          board.Point     `json:"to"`
	Color       string          `json:"color"`
	StrokeWidth float64         `json:"stroke_width"`
	Fill        string          `json:"fill,omitempty"`
}

// TextPayload is the client's text submission.
type TextPayload struct {
	Anchor     board.Point `json:"anchor"`
	Text       string      `json:"text"`
	FontSize   float64     `json:"font_size"`
	FontFamily string      `json:"font_family"`
	Color      string      `json:"color"`
}

// DeleteElementPayload removes one element by id.
type DeleteElementPayload struct {
	RoomID    board.RoomID    `json:"room_id"`
	ElementID board.ElementID `json:"element_id"`
}

// CursorMovePayload is an ephemeral pointer position.
type CursorMovePayload struct {
	RoomID board.RoomID `json:"room_id"`
	X      float64      `json:"x"`
	Y      float64      `json:"y"`
	Label  string       `json:"label"`
}

// DecodeRoomID reads the payload kinds whose data is a bare room id string
// (join-room, undo, redo, cursor-leave).
func DecodeRoomID(data json.RawMessage) (board.RoomID, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return "", fmt.Errorf("malformed room id: %w", err)
	}
	if id == "" {
		return "", errors.New("room id is empty")
	}
	return board.RoomID(id), nil
}

// TargetRoom extracts the room a room-scoped message addresses without
// decoding the rest of its payload.
func TargetRoom(kind Kind, data json.RawMessage) (board.RoomID, error) {
	switch kind {
	case KindJoinRoom, KindUndo, KindRedo, KindCursorLeave:
		return DecodeRoomID(data)
	case KindCreateElement, KindDeleteElement, KindCursorMove:
		var probe struct {
			RoomID board.RoomID `json:"room_id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return "", fmt.Errorf("malformed payload: %w", err)
		}
		if probe.RoomID == "" {
			return "", errors.New("room id is empty")
		}
		return probe.RoomID, nil
	default:
		return "", fmt.Errorf("kind %q does not address a room", kind)
	}
}

// --- Server Payloads ---

// StateUpdatePayload is the authoritative post-operation broadcast. Every
// member, including the originator, receives the same bytes.
type StateUpdatePayload struct {
	Document *board.Document `json:"document"`
	CanUndo  bool            `json:"can_undo"`
	CanRedo  bool            `json:"can_redo"`
}

// MembersPayload lists the sessions currently in a room.
type MembersPayload struct {
	Members []board.SessionID `json:"members"`
}

// RemoteCursorPayload relays another member's pointer.
type RemoteCursorPayload struct {
	SessionID board.SessionID `json:"session_id"`
	X         float64         `json:"x"`
	Y         float64         `json:"y"`
	Label     string          `json:"label"`
}

// RemoteCursorLeavePayload signals another member's pointer left the board.
type RemoteCursorLeavePayload struct {
	SessionID board.SessionID `json:"session_id"`
}

// EncodeStateUpdate marshals a state-update frame.
func EncodeStateUpdate(doc *board.Document, canUndo, canRedo bool) ([]byte, error) {
	return Encode(KindStateUpdate, StateUpdatePayload{Document: doc, CanUndo: canUndo, CanRedo: canRedo})
}

// EncodeMembers marshals a members frame.
func EncodeMembers(members []board.SessionID) ([]byte, error) {
	return Encode(KindMembers, MembersPayload{Members: members})
}

// EncodeRoomDeleted marshals a room-deleted frame. Data is the bare room id.
func EncodeRoomDeleted(roomID board.RoomID) ([]byte, error) {
	return Encode(KindRoomDeleted, string(roomID))
}
