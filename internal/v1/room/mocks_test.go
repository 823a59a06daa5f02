package room

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/protocol"
)

// MockSession implements Session and records everything sent to it.
type MockSession struct {
	ID board.SessionID

	mu   sync.Mutex
	Sent [][]byte
}

func NewMockSession(id string) *MockSession {
	return &MockSession{ID: board.SessionID(id)}
}

func (m *MockSession) GetID() board.SessionID { return m.ID }

func (m *MockSession) Send(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, data)
}

func (m *MockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// messages decodes every recorded frame.
func (m *MockSession) messages(t *testing.T) []protocol.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.Message, 0, len(m.Sent))
	for _, raw := range m.Sent {
		msg, err := protocol.Parse(raw)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// lastOfKind returns the most recent frame of the given kind.
func (m *MockSession) lastOfKind(t *testing.T, kind protocol.Kind) (protocol.Message, bool) {
	t.Helper()
	msgs := m.messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == kind {
			return msgs[i], true
		}
	}
	return protocol.Message{}, false
}

// lastState decodes the most recent state-update sent to the session.
func (m *MockSession) lastState(t *testing.T) protocol.StateUpdatePayload {
	t.Helper()
	msg, ok := m.lastOfKind(t, protocol.KindStateUpdate)
	require.True(t, ok, "session %s received no state-update", m.ID)

	var payload protocol.StateUpdatePayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return payload
}

// lastMembers decodes the most recent members frame sent to the session.
func (m *MockSession) lastMembers(t *testing.T) []board.SessionID {
	t.Helper()
	msg, ok := m.lastOfKind(t, protocol.KindMembers)
	require.True(t, ok, "session %s received no members frame", m.ID)

	var payload protocol.MembersPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return payload.Members
}

// countOfKind counts recorded frames of one kind.
func (m *MockSession) countOfKind(t *testing.T, kind protocol.Kind) int {
	t.Helper()
	n := 0
	for _, msg := range m.messages(t) {
		if msg.Kind == kind {
			n++
		}
	}
	return n
}
