package room

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/protocol"
)

func createElementMsg(t *testing.T, roomID string, typ protocol.ElementType, inner any) protocol.Message {
	t.Helper()
	innerRaw, err := json.Marshal(inner)
	require.NoError(t, err)
	data, err := json.Marshal(protocol.CreateElementPayload{
		RoomID:  board.RoomID(roomID),
		Type:    typ,
		Payload: innerRaw,
	})
	require.NoError(t, err)
	return protocol.Message{Kind: protocol.KindCreateElement, Data: data}
}

func createLineMsg(t *testing.T, roomID string) protocol.Message {
	t.Helper()
	return createElementMsg(t, roomID, protocol.ElementTypeLine, protocol.LinePayload{
		Points:      []board.Point{{0, 0}, {10, 10}},
		Color:       "#112233",
		StrokeWidth: 2,
		Mode:        board.ModeInk,
	})
}

func deleteElementMsg(t *testing.T, roomID string, id board.ElementID) protocol.Message {
	t.Helper()
	data, err := json.Marshal(protocol.DeleteElementPayload{
		RoomID:    board.RoomID(roomID),
		ElementID: id,
	})
	require.NoError(t, err)
	return protocol.Message{Kind: protocol.KindDeleteElement, Data: data}
}

func bareRoomMsg(kind protocol.Kind, roomID string) protocol.Message {
	return protocol.Message{Kind: kind, Data: json.RawMessage(`"` + roomID + `"`)}
}

func cursorMoveMsg(t *testing.T, roomID string, x, y float64, label string) protocol.Message {
	t.Helper()
	data, err := json.Marshal(protocol.CursorMovePayload{
		RoomID: board.RoomID(roomID),
		X:      x,
		Y:      y,
		Label:  label,
	})
	require.NoError(t, err)
	return protocol.Message{Kind: protocol.KindCursorMove, Data: data}
}

func TestCreateElement_Line(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	s2 := NewMockSession("s2")
	require.NoError(t, r.Join(context.Background(), s1))
	require.NoError(t, r.Join(context.Background(), s2))

	r.Route(context.Background(), s1, createLineMsg(t, "r1"))

	for _, s := range []*MockSession{s1, s2} {
		state := s.lastState(t)
		require.Len(t, state.Document.Strokes, 1)
		stroke := state.Document.Strokes[0]
		assert.NotEmpty(t, stroke.ID)
		assert.Equal(t, board.SessionID("s1"), stroke.Author)
		assert.Equal(t, int64(1), stroke.CreatedAt)
		assert.Equal(t, board.ModeInk, stroke.Mode)
		assert.True(t, state.CanUndo)
		assert.False(t, state.CanRedo)
	}
}

func TestCreateElement_OriginatorReceivesSameBytes(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	s2 := NewMockSession("s2")
	require.NoError(t, r.Join(context.Background(), s1))
	require.NoError(t, r.Join(context.Background(), s2))

	r.Route(context.Background(), s1, createLineMsg(t, "r1"))

	m1, ok := s1.lastOfKind(t, protocol.KindStateUpdate)
	require.True(t, ok)
	m2, ok := s2.lastOfKind(t, protocol.KindStateUpdate)
	require.True(t, ok)
	assert.Equal(t, string(m1.Data), string(m2.Data))
}

func TestCreateElement_Shape(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), s1, createElementMsg(t, "r1", protocol.ElementTypeShape, protocol.ShapePayload{
		Kind:        board.ShapeRectangle,
		From:        board.Point{10, 10},
		To:          board.Point{20, 20},
		Color:       "#ff0000",
		StrokeWidth: 1,
		Fill:        "#eeeeee",
	}))

	state := s1.lastState(t)
	require.Len(t, state.Document.Shapes, 1)
	shape := state.Document.Shapes[0]
	assert.Equal(t, board.ShapeRectangle, shape.Kind)
	assert.Equal(t, board.Point{10, 10}, shape.From)
	assert.Equal(t, board.Point{20, 20}, shape.To)
	assert.Equal(t, "#eeeeee", shape.Fill)
}

func TestCreateElement_Text(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), s1, createElementMsg(t, "r1", protocol.ElementTypeText, protocol.TextPayload{
		Anchor:     board.Point{5, 6},
		Text:       "note",
		FontSize:   14,
		FontFamily: "sans",
		Color:      "#000000",
	}))

	state := s1.lastState(t)
	require.Len(t, state.Document.Texts, 1)
	assert.Equal(t, "note", state.Document.Texts[0].Text)
	assert.Equal(t, board.Point{5, 6}, state.Document.Texts[0].Anchor)
}

func TestCreateElement_MonotonicCreatedAt(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))

	for i := 0; i < 3; i++ {
		r.Route(context.Background(), s1, createLineMsg(t, "r1"))
	}

	doc := s1.lastState(t).Document
	require.Len(t, doc.Strokes, 3)
	var prev int64
	for _, s := range doc.Strokes {
		assert.Greater(t, s.CreatedAt, prev)
		prev = s.CreatedAt
	}
}

func TestCreateElement_ResumesCounterAfterLoad(t *testing.T) {
	r := NewRoom(context.Background(), "r1", 10, nil)
	doc, err := board.NewDocument().AddElement(board.Text{
		Meta:     board.Meta{ID: "t1", Author: "old", CreatedAt: 41},
		Anchor:   board.Point{0, 0},
		Text:     "x",
		FontSize: 10,
		Color:    "#000000",
	})
	require.NoError(t, err)
	r.FinishLoad(doc, nil)

	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))
	r.Route(context.Background(), s1, createLineMsg(t, "r1"))

	state := s1.lastState(t)
	require.Len(t, state.Document.Strokes, 1)
	assert.Equal(t, int64(42), state.Document.Strokes[0].CreatedAt)
}

func TestCreateElement_RejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		msg  func(t *testing.T) protocol.Message
	}{
		{
			name: "malformed json",
			msg: func(t *testing.T) protocol.Message {
				return protocol.Message{Kind: protocol.KindCreateElement, Data: json.RawMessage(`{not json`)}
			},
		},
		{
			name: "unknown type",
			msg: func(t *testing.T) protocol.Message {
				return createElementMsg(t, "r1", "sticker", json.RawMessage(`{}`))
			},
		},
		{
			name: "stroke without points",
			msg: func(t *testing.T) protocol.Message {
				return createElementMsg(t, "r1", protocol.ElementTypeLine, protocol.LinePayload{
					Color: "#000", StrokeWidth: 2, Mode: board.ModeInk,
				})
			},
		},
		{
			name: "unknown stroke mode",
			msg: func(t *testing.T) protocol.Message {
				return createElementMsg(t, "r1", protocol.ElementTypeLine, protocol.LinePayload{
					Points: []board.Point{{0, 0}}, Color: "#000", StrokeWidth: 2, Mode: "spray",
				})
			},
		},
		{
			name: "unknown shape kind",
			msg: func(t *testing.T) protocol.Message {
				return createElementMsg(t, "r1", protocol.ElementTypeShape, protocol.ShapePayload{
					Kind: "hexagon", StrokeWidth: 1,
				})
			},
		},
		{
			name: "empty text",
			msg: func(t *testing.T) protocol.Message {
				return createElementMsg(t, "r1", protocol.ElementTypeText, protocol.TextPayload{
					FontSize: 10, Color: "#000",
				})
			},
		},
		{
			name: "nonpositive font size",
			msg: func(t *testing.T) protocol.Message {
				return createElementMsg(t, "r1", protocol.ElementTypeText, protocol.TextPayload{
					Text: "x", FontSize: 0, Color: "#000",
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLoadedRoom(t, "r1", 10)
			s1 := NewMockSession("s1")
			require.NoError(t, r.Join(context.Background(), s1))

			r.Route(context.Background(), s1, tt.msg(t))

			// One state-update from the join snapshot, nothing since.
			assert.Equal(t, 1, s1.countOfKind(t, protocol.KindStateUpdate))
			assert.Equal(t, 1, len(r.history))
		})
	}
}

func TestCreateElement_NonMemberDropped(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	outsider := NewMockSession("outsider")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), outsider, createLineMsg(t, "r1"))

	assert.Equal(t, 1, len(r.history))
	assert.Equal(t, 1, s1.countOfKind(t, protocol.KindStateUpdate))
	assert.Equal(t, 0, outsider.sentCount())
}

func TestDeleteElement_RemovesAndAdvancesHistory(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), s1, createLineMsg(t, "r1"))
	id := s1.lastState(t).Document.Strokes[0].ID

	r.Route(context.Background(), s1, deleteElementMsg(t, "r1", id))

	state := s1.lastState(t)
	assert.Equal(t, 0, state.Document.Len())
	assert.True(t, state.CanUndo)
	assert.False(t, state.CanRedo)
	assert.Equal(t, 3, len(r.history))
}

func TestDeleteElement_UnknownIDIsSilentNoOp(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), s1, createLineMsg(t, "r1"))
	before := s1.countOfKind(t, protocol.KindStateUpdate)

	r.Route(context.Background(), s1, deleteElementMsg(t, "r1", "no-such-id"))

	assert.Equal(t, before, s1.countOfKind(t, protocol.KindStateUpdate))
	assert.Equal(t, 2, len(r.history))
}

func TestDeleteElement_Idempotent(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), s1, createLineMsg(t, "r1"))
	id := s1.lastState(t).Document.Strokes[0].ID

	r.Route(context.Background(), s1, deleteElementMsg(t, "r1", id))
	afterFirst := s1.countOfKind(t, protocol.KindStateUpdate)
	r.Route(context.Background(), s1, deleteElementMsg(t, "r1", id))

	assert.Equal(t, afterFirst, s1.countOfKind(t, protocol.KindStateUpdate))
}

func TestUndoRedo_Inverse(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), s1, createLineMsg(t, "r1"))
	afterCreate, ok := s1.lastOfKind(t, protocol.KindStateUpdate)
	require.True(t, ok)

	r.Route(context.Background(), s1, bareRoomMsg(protocol.KindUndo, "r1"))
	undone := s1.lastState(t)
	assert.Equal(t, 0, undone.Document.Len())
	assert.False(t, undone.CanUndo)
	assert.True(t, undone.CanRedo)

	r.Route(context.Background(), s1, bareRoomMsg(protocol.KindRedo, "r1"))
	afterRedo, ok := s1.lastOfKind(t, protocol.KindStateUpdate)
	require.True(t, ok)

	// Redo restores the exact prior frame.
	assert.Equal(t, string(afterCreate.Data), string(afterRedo.Data))
}

func TestUndo_AtBoundaryIsSilent(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))
	before := s1.countOfKind(t, protocol.KindStateUpdate)

	r.Route(context.Background(), s1, bareRoomMsg(protocol.KindUndo, "r1"))

	assert.Equal(t, before, s1.countOfKind(t, protocol.KindStateUpdate))
}

func TestRedo_AtBoundaryIsSilent(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	require.NoError(t, r.Join(context.Background(), s1))
	r.Route(context.Background(), s1, createLineMsg(t, "r1"))
	before := s1.countOfKind(t, protocol.KindStateUpdate)

	r.Route(context.Background(), s1, bareRoomMsg(protocol.KindRedo, "r1"))

	assert.Equal(t, before, s1.countOfKind(t, protocol.KindStateUpdate))
}

func TestUndoRedo_NonMemberDropped(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	outsider := NewMockSession("outsider")
	require.NoError(t, r.Join(context.Background(), s1))
	r.Route(context.Background(), s1, createLineMsg(t, "r1"))
	before := s1.countOfKind(t, protocol.KindStateUpdate)

	r.Route(context.Background(), outsider, bareRoomMsg(protocol.KindUndo, "r1"))

	assert.Equal(t, before, s1.countOfKind(t, protocol.KindStateUpdate))
}

func TestCursorMove_RelaysToOthersOnly(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	s2 := NewMockSession("s2")
	require.NoError(t, r.Join(context.Background(), s1))
	require.NoError(t, r.Join(context.Background(), s2))

	r.Route(context.Background(), s1, cursorMoveMsg(t, "r1", 12.5, 40, "Alice"))

	msg, ok := s2.lastOfKind(t, protocol.KindRemoteCursor)
	require.True(t, ok)
	var payload protocol.RemoteCursorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, board.SessionID("s1"), payload.SessionID)
	assert.Equal(t, 12.5, payload.X)
	assert.Equal(t, 40.0, payload.Y)
	assert.Equal(t, "Alice", payload.Label)

	// The sender never sees its own cursor echoed.
	assert.Equal(t, 0, s1.countOfKind(t, protocol.KindRemoteCursor))
}

func TestCursorMove_DoesNotTouchHistoryOrDirty(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	s2 := NewMockSession("s2")
	require.NoError(t, r.Join(context.Background(), s1))
	require.NoError(t, r.Join(context.Background(), s2))

	r.Route(context.Background(), s1, cursorMoveMsg(t, "r1", 1, 2, ""))

	assert.Equal(t, 1, len(r.history))
	_, _, dirty := r.DirtySnapshot()
	assert.False(t, dirty)
}

func TestCursorLeave_Relay(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	s2 := NewMockSession("s2")
	require.NoError(t, r.Join(context.Background(), s1))
	require.NoError(t, r.Join(context.Background(), s2))

	r.Route(context.Background(), s1, bareRoomMsg(protocol.KindCursorLeave, "r1"))

	msg, ok := s2.lastOfKind(t, protocol.KindRemoteCursorLeave)
	require.True(t, ok)
	var payload protocol.RemoteCursorLeavePayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, board.SessionID("s1"), payload.SessionID)
	assert.Equal(t, 0, s1.countOfKind(t, protocol.KindRemoteCursorLeave))
}

func TestCursorMove_NonMemberDropped(t *testing.T) {
	r := newLoadedRoom(t, "r1", 10)
	s1 := NewMockSession("s1")
	outsider := NewMockSession("outsider")
	require.NoError(t, r.Join(context.Background(), s1))

	r.Route(context.Background(), outsider, cursorMoveMsg(t, "r1", 1, 1, ""))

	assert.Equal(t, 0, s1.countOfKind(t, protocol.KindRemoteCursor))
}

func TestRoute_UnknownKind(_ *testing.T) {
	r := NewRoom(context.Background(), "r1", 10, nil)
	r.FinishLoad(nil, nil)
	s1 := NewMockSession("s1")

	// Should not panic.
	r.Route(context.Background(), s1, protocol.Message{Kind: "teleport", Data: json.RawMessage(`{}`)})
}
