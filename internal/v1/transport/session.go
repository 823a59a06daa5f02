package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/metrics"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/protocol"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/room"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Session owns one websocket connection. Its id is minted per connection, so
// the same user reconnecting is a new session. The read pump feeds inbound
// frames to the hub's router; the write pump is the only goroutine writing to
// the connection and drains the bounded outbound queue.
type Session struct {
	conn wsConnection
	hub  *Hub

	id          board.SessionID
	userID      string // claims subject, empty for anonymous sessions
	displayName string

	// correlationID ties this session's log stream to the upgrade request.
	correlationID string

	mu      sync.RWMutex
	closed  bool
	current *room.Room // room this session is joined to, nil outside any

	closeOnce sync.Once

	send chan []byte
}

// GetID returns the session id. Satisfies room.Session.
func (s *Session) GetID() board.SessionID {
	return s.id
}

// Send enqueues pre-marshaled bytes for the write pump. It never blocks: if
// the queue is full the session is too slow to keep up and gets disconnected
// so the room can move on without it.
func (s *Session) Send(data []byte) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	// The queue can close between the check above and the send below.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closing session",
				zap.String("sessionId", string(s.id)), zap.Any("panic", r))
		}
	}()

	select {
	case s.send <- data:
	default:
		metrics.OverflowDisconnects.Inc()
		logging.Warn(context.Background(), "Session outbound queue full, disconnecting slow client",
			zap.String("sessionId", string(s.id)))
		go s.Disconnect()
	}
}

// Disconnect closes the outbound queue, which makes the write pump send a
// close frame and tear down the connection. Idempotent.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
	})
}

func (s *Session) currentRoom() *room.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Session) setCurrentRoom(r *room.Room) {
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
}

// swapRoom installs r as the current room and returns the previous one.
func (s *Session) swapRoom(r *room.Room) *room.Room {
	s.mu.Lock()
	prev := s.current
	s.current = r
	s.mu.Unlock()
	return prev
}

// clearRoom drops the binding only if it still points at r, so a concurrent
// rejoin to another room is not clobbered.
func (s *Session) clearRoom(r *room.Room) {
	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()
}

// readPump processes inbound frames until the connection dies: rate check,
// envelope parse, then the hub router. Messages from one session are handled
// in arrival order because this loop is the only reader.
func (s *Session) readPump() {
	defer func() {
		s.hub.dropSession(s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	ctx := logging.WithSessionID(context.Background(), string(s.id))
	if s.correlationID != "" {
		ctx = logging.WithCorrelationID(ctx, s.correlationID)
	}

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if s.hub.rateLimiter != nil && !s.hub.rateLimiter.AllowMessage(ctx, string(s.id)) {
			metrics.WebsocketEvents.WithLabelValues("unknown", "rate_limited").Inc()
			logging.Warn(ctx, "Session exceeded message rate limit, disconnecting")
			s.Disconnect()
			break
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			metrics.WebsocketEvents.WithLabelValues("unknown", "malformed").Inc()
			logging.Warn(ctx, "Dropping malformed message", zap.Error(err))
			continue
		}

		s.hub.route(ctx, s, msg)
	}
}

// writePump drains the outbound queue onto the wire. A closed queue means
// Disconnect ran; the pump sends a close frame and exits.
func (s *Session) writePump() {
	defer s.conn.Close()
	writeWait := 10 * time.Second

	for message := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("sessionId", string(s.id)), zap.Error(err))
			return
		}
	}

	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
