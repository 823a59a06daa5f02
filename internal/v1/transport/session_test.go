package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/config"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/protocol"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/ratelimit"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/room"
)

func rawFrame(t *testing.T, kind protocol.Kind, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	return data
}

func rawCreateFrame(t *testing.T, roomID board.RoomID) []byte {
	t.Helper()
	msg := createStrokeMsg(t, roomID)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

// newTestSession wires a session to a hub without going through the upgrade
// path.
func newTestSession(hub *Hub, id string, conn wsConnection, queueSize int) *Session {
	s := &Session{
		conn:        conn,
		hub:         hub,
		id:          board.SessionID(id),
		displayName: id,
		send:        make(chan []byte, queueSize),
	}
	if hub != nil {
		hub.mu.Lock()
		hub.sessions[s.id] = s
		hub.mu.Unlock()
	}
	return s
}

func TestSessionGetID(t *testing.T) {
	s := newTestSession(nil, "user1", &MockConnection{}, 4)
	assert.Equal(t, board.SessionID("user1"), s.GetID())
}

func TestSessionSend(t *testing.T) {
	s := newTestSession(nil, "user1", &MockConnection{}, 4)

	s.Send([]byte("hello"))

	select {
	case data := <-s.send:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(1 * time.Second):
		t.Fatal("Message not sent")
	}
}

func TestSessionSend_Closed(t *testing.T) {
	s := newTestSession(nil, "user1", &MockConnection{}, 4)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	// Should not panic or block when sending to a closed session
	s.Send([]byte("hello"))

	select {
	case <-s.send:
		t.Fatal("Message should not have been sent to closed session")
	case <-time.After(100 * time.Millisecond):
		// Expected - no message sent
	}
}

func TestSessionSend_QueueFullDisconnects(t *testing.T) {
	s := newTestSession(nil, "slow-client", &MockConnection{}, 1)

	// Fill the queue, then overflow it.
	s.Send([]byte("first"))
	s.Send([]byte("second"))

	// The overflow force-disconnects the session.
	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.closed
	}, time.Second, 10*time.Millisecond)
}

func TestSessionDisconnect_Idempotent(t *testing.T) {
	s := newTestSession(nil, "user1", &MockConnection{}, 4)

	// Close multiple times (should not panic)
	for i := 0; i < 5; i++ {
		s.Disconnect()
	}

	// Queue should be closed
	_, ok := <-s.send
	assert.False(t, ok)
}

func TestSessionConcurrentSend(t *testing.T) {
	s := newTestSession(nil, "user1", &MockConnection{}, 256)

	// Send from multiple goroutines
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Send([]byte("payload"))
		}()
	}
	wg.Wait()

	// Should have messages in the queue
	assert.Greater(t, len(s.send), 0)
}

func TestSessionConcurrentSendAndDisconnect(t *testing.T) {
	s := newTestSession(nil, "user1", &MockConnection{}, 256)

	// Sends racing a disconnect must never panic; the recover in Send
	// covers the close-after-check window.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.Send([]byte("payload"))
			}
		}()
	}
	s.Disconnect()
	wg.Wait()
}

func TestSessionRoomBinding(t *testing.T) {
	s := newTestSession(nil, "user1", &MockConnection{}, 4)
	r1 := room.NewRoom(context.Background(), "room-1", 4, nil)
	r2 := room.NewRoom(context.Background(), "room-2", 4, nil)

	assert.Nil(t, s.currentRoom())

	s.setCurrentRoom(r1)
	assert.Equal(t, r1, s.currentRoom())

	// Clearing against a different room is a no-op.
	s.clearRoom(r2)
	assert.Equal(t, r1, s.currentRoom())

	// Clearing against the bound room drops it.
	s.clearRoom(r1)
	assert.Nil(t, s.currentRoom())

	s.setCurrentRoom(r2)
	prev := s.swapRoom(nil)
	assert.Equal(t, r2, prev)
	assert.Nil(t, s.currentRoom())
}

func TestSessionReadPump_RoutesMessages(t *testing.T) {
	fs := newFakeStore()
	hub := NewHub(Config{Validator: &MockTokenValidator{}, Store: fs, HistoryMax: 16})

	joinFrame := rawFrame(t, protocol.KindJoinRoom, "pump-room")
	createFrame := rawCreateFrame(t, "pump-room")

	frames := [][]byte{joinFrame, createFrame}
	sent := 0
	mockConn := &MockConnection{}
	mockConn.ReadMessageFunc = func() (int, []byte, error) {
		if sent < len(frames) {
			frame := frames[sent]
			sent++
			return websocket.TextMessage, frame, nil
		}
		time.Sleep(100 * time.Millisecond)
		return 0, nil, assert.AnError // Exit pump
	}

	s := newTestSession(hub, "pump-user", mockConn, 256)
	go s.readPump()

	// Both frames land: the join snapshot and the post-create broadcast.
	assert.Eventually(t, func() bool {
		r := hub.lookupRoom("pump-room")
		if r == nil {
			return false
		}
		doc, _, dirty := r.DirtySnapshot()
		return dirty && doc.Len() == 1
	}, time.Second, 10*time.Millisecond)

	// The pump exit drops the session from the registry.
	assert.Eventually(t, func() bool {
		connections, _ := hub.Stats()
		return connections == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSessionReadPump_MalformedMessageKeepsConnection(t *testing.T) {
	fs := newFakeStore()
	hub := NewHub(Config{Validator: &MockTokenValidator{}, Store: fs, HistoryMax: 16})

	frames := [][]byte{
		[]byte("not json at all"),
		rawFrame(t, protocol.KindJoinRoom, "after-garbage"),
	}
	sent := 0
	mockConn := &MockConnection{}
	mockConn.ReadMessageFunc = func() (int, []byte, error) {
		if sent < len(frames) {
			frame := frames[sent]
			sent++
			return websocket.TextMessage, frame, nil
		}
		time.Sleep(100 * time.Millisecond)
		return 0, nil, assert.AnError
	}

	s := newTestSession(hub, "resilient-user", mockConn, 256)
	go s.readPump()

	// The join after the garbage frame still lands, so the pump survived it.
	assert.Eventually(t, func() bool {
		return hub.lookupRoom("after-garbage") != nil
	}, time.Second, 10*time.Millisecond)
}

func TestSessionReadPump_IgnoresNonTextFrames(t *testing.T) {
	fs := newFakeStore()
	hub := NewHub(Config{Validator: &MockTokenValidator{}, Store: fs, HistoryMax: 16})

	joinFrame := rawFrame(t, protocol.KindJoinRoom, "binary-room")
	sent := false
	mockConn := &MockConnection{}
	mockConn.ReadMessageFunc = func() (int, []byte, error) {
		if !sent {
			sent = true
			return websocket.BinaryMessage, joinFrame, nil
		}
		time.Sleep(100 * time.Millisecond)
		return 0, nil, assert.AnError
	}

	s := newTestSession(hub, "binary-user", mockConn, 256)
	go s.readPump()

	time.Sleep(200 * time.Millisecond)

	// Binary frames never reach the router.
	assert.Nil(t, hub.lookupRoom("binary-room"))
}

func TestSessionReadPump_RateLimitDisconnects(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:  "100-S",
		RateLimitWsMsg: "2-S",
	}
	rl, err := ratelimit.NewRateLimiter(cfg, nil)
	require.NoError(t, err)

	fs := newFakeStore()
	hub := NewHub(Config{Validator: &MockTokenValidator{}, Store: fs, HistoryMax: 16, RateLimiter: rl})

	joinFrame := rawFrame(t, protocol.KindJoinRoom, "limited-room")
	mockConn := &MockConnection{}
	mockConn.ReadMessageFunc = func() (int, []byte, error) {
		return websocket.TextMessage, joinFrame, nil
	}

	s := newTestSession(hub, "chatty-user", mockConn, 256)
	go s.readPump()

	// The third message in the same second trips the limit and the pump
	// closes this session only.
	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.closed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		connections, _ := hub.Stats()
		return connections == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSessionWritePump(t *testing.T) {
	mockConn := &MockConnection{}
	writeChan := make(chan []byte, 8)
	mockConn.WriteMessageFunc = func(mt int, data []byte) error {
		writeChan <- data
		return nil
	}

	s := newTestSession(nil, "user1", mockConn, 256)

	// Start write pump
	go s.writePump()

	s.send <- []byte("outbound")

	// Wait for processing
	select {
	case written := <-writeChan:
		assert.Equal(t, []byte("outbound"), written)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Message was not written")
	}

	// Closing the queue stops the pump
	s.Disconnect()
}

func TestSessionWritePump_WriteErrorStops(t *testing.T) {
	var mu sync.Mutex
	closed := false

	mockConn := &MockConnection{}
	mockConn.WriteMessageFunc = func(mt int, data []byte) error {
		return assert.AnError
	}
	mockConn.CloseFunc = func() error {
		mu.Lock()
		defer mu.Unlock()
		closed = true
		return nil
	}

	s := newTestSession(nil, "user1", mockConn, 256)
	go s.writePump()

	s.send <- []byte("doomed")

	// A write failure tears the connection down.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	}, time.Second, 10*time.Millisecond)
}
