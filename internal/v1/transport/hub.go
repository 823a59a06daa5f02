package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/auth"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/metrics"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/protocol"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/ratelimit"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/room"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/store"
)

// TokenValidator verifies a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// DefaultSendQueueSize bounds a session's outbound queue when no size is
// configured.
const DefaultSendQueueSize = 256

// Config wires the Hub's collaborators. Validator may be nil, in which case
// sessions are anonymous.
type Config struct {
	Validator      TokenValidator
	Store          store.Store
	RateLimiter    *ratelimit.RateLimiter
	AllowedOrigins []string
	HistoryMax     int
	SendQueueSize  int
	DevMode        bool
}

// Hub is the central coordinator: it owns the room registry and the session
// registry, upgrades websocket connections, and routes inbound messages to
// the room they address. It also implements store.SnapshotSource so the saver
// can sweep dirty rooms.
type Hub struct {
	rooms    map[board.RoomID]*room.Room
	sessions map[board.SessionID]*Session
	mu       sync.Mutex

	validator   TokenValidator
	store       store.Store
	saver       *store.Saver
	rateLimiter *ratelimit.RateLimiter

	pendingRoomCleanups map[board.RoomID]*time.Timer
	cleanupGracePeriod  time.Duration

	allowedOrigins set.Set[string]
	historyMax     int
	sendQueueSize  int
	devMode        bool
}

// NewHub creates a Hub from its configuration.
func NewHub(cfg Config) *Hub {
	queueSize := cfg.SendQueueSize
	if queueSize < 1 {
		queueSize = DefaultSendQueueSize
	}

	return &Hub{
		rooms:               make(map[board.RoomID]*room.Room),
		sessions:            make(map[board.SessionID]*Session),
		validator:           cfg.Validator,
		store:               cfg.Store,
		rateLimiter:         cfg.RateLimiter,
		pendingRoomCleanups: make(map[board.RoomID]*time.Timer),
		cleanupGracePeriod:  5 * time.Second,
		allowedOrigins:      normalizeOrigins(cfg.AllowedOrigins),
		historyMax:          cfg.HistoryMax,
		sendQueueSize:       queueSize,
		devMode:             cfg.DevMode,
	}
}

// SetSaver attaches the write-behind saver. The hub and the saver reference
// each other, so the saver is built after the hub and attached here before
// any connection is served. A nil saver means idle-room teardown skips the
// final save.
func (h *Hub) SetSaver(s *store.Saver) {
	h.mu.Lock()
	h.saver = s
	h.mu.Unlock()
}

// ServeWs authenticates the request and upgrades it to a WebSocket session.
// Rooms are joined later through join-room messages, not at connect time.
func (h *Hub) ServeWs(c *gin.Context) {
	// Rate limit first, before any other work.
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	var claims *auth.CustomClaims
	tokenResult := &tokenExtractionResult{}
	if h.validator != nil {
		var err error
		tokenResult, err = h.extractToken(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}

		claims, err = h.authenticateUser(tokenResult.Token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
	}

	if err := h.validateOrigin(c.Request); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection takes an established WebSocket connection, registers the
// session, and starts its pumps. The upgrade request's correlation id carries
// over so the session's log stream stays tied to the handshake.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) *Session {
	s := h.newSession(&sessionSetupParams{
		Username:      c.Query("username"),
		Claims:        claims,
		Conn:          conn,
		CorrelationID: c.GetString(string(logging.CorrelationIDKey)),
	})

	metrics.IncConnection()

	go s.writePump()
	go s.readPump()
	return s
}

// route dispatches one parsed envelope. Membership lifecycle kinds are the
// hub's own; everything room-scoped resolves the claimed room and defers to
// the room's router.
func (h *Hub) route(ctx context.Context, s *Session, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindJoinRoom:
		h.handleJoinRoom(ctx, s, msg)
	case protocol.KindLeaveRoom:
		h.handleLeaveRoom(ctx, s, msg)
	case protocol.KindCreateElement, protocol.KindDeleteElement,
		protocol.KindUndo, protocol.KindRedo,
		protocol.KindCursorMove, protocol.KindCursorLeave:
		h.routeToRoom(ctx, s, msg)
	default:
		metrics.WebsocketEvents.WithLabelValues(string(msg.Kind), "malformed").Inc()
		logging.Warn(ctx, "Unknown message kind",
			zap.String("kind", string(msg.Kind)),
			zap.String("sessionId", string(s.id)),
		)
	}
}

func (h *Hub) routeToRoom(ctx context.Context, s *Session, msg protocol.Message) {
	roomID, err := protocol.TargetRoom(msg.Kind, msg.Data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues(string(msg.Kind), "malformed").Inc()
		logging.Warn(ctx, "Message does not address a room",
			zap.String("kind", string(msg.Kind)),
			zap.String("sessionId", string(s.id)),
			zap.Error(err),
		)
		return
	}

	r := h.lookupRoom(roomID)
	if r == nil {
		// A room this hub does not know cannot have the sender as a member.
		metrics.WebsocketEvents.WithLabelValues(string(msg.Kind), "dropped").Inc()
		return
	}

	r.Route(ctx, s, msg)
}

func (h *Hub) handleJoinRoom(ctx context.Context, s *Session, msg protocol.Message) {
	start := time.Now()

	roomID, err := protocol.DecodeRoomID(msg.Data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues(string(protocol.KindJoinRoom), "malformed").Inc()
		logging.Warn(ctx, "Rejected join-room payload",
			zap.String("sessionId", string(s.id)), zap.Error(err))
		return
	}

	r := h.getOrCreateRoom(roomID)

	// At most one current room per session: switching implies leaving.
	if prev := s.currentRoom(); prev != nil && prev.GetID() != roomID {
		prev.Leave(ctx, s)
		s.setCurrentRoom(nil)
	}

	if err := r.Join(ctx, s); err != nil {
		metrics.WebsocketEvents.WithLabelValues(string(protocol.KindJoinRoom), "dropped").Inc()
		logging.Warn(ctx, "Join refused",
			zap.String("room", string(roomID)),
			zap.String("sessionId", string(s.id)),
			zap.Error(err),
		)
		return
	}
	s.setCurrentRoom(r)

	metrics.WebsocketEvents.WithLabelValues(string(protocol.KindJoinRoom), "ok").Inc()
	metrics.MessageProcessingDuration.WithLabelValues(string(protocol.KindJoinRoom)).Observe(time.Since(start).Seconds())
}

// handleLeaveRoom detaches the session from its current room. The message
// carries no payload; a client that names a room anyway only leaves when it
// names the room the session is actually in.
func (h *Hub) handleLeaveRoom(ctx context.Context, s *Session, msg protocol.Message) {
	prev := s.currentRoom()
	if prev == nil {
		metrics.WebsocketEvents.WithLabelValues(string(protocol.KindLeaveRoom), "dropped").Inc()
		return
	}

	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		roomID, err := protocol.DecodeRoomID(msg.Data)
		if err != nil {
			metrics.WebsocketEvents.WithLabelValues(string(protocol.KindLeaveRoom), "malformed").Inc()
			logging.Warn(ctx, "Rejected leave-room payload",
				zap.String("sessionId", string(s.id)), zap.Error(err))
			return
		}
		if prev.GetID() != roomID {
			metrics.WebsocketEvents.WithLabelValues(string(protocol.KindLeaveRoom), "dropped").Inc()
			return
		}
	}

	prev.Leave(ctx, s)
	s.setCurrentRoom(nil)
	metrics.WebsocketEvents.WithLabelValues(string(protocol.KindLeaveRoom), "ok").Inc()
}

func (h *Hub) lookupRoom(roomID board.RoomID) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}

// getOrCreateRoom returns the live room for roomID, creating it and kicking
// off its cold load on first reference. A rejoin during the teardown grace
// period cancels the pending cleanup.
func (h *Hub) getOrCreateRoom(roomID board.RoomID) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		if timer, hasPendingCleanup := h.pendingRoomCleanups[roomID]; hasPendingCleanup {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to rejoin",
				zap.String("room", string(roomID)))
		}
		return r
	}

	logging.Info(context.Background(), "Creating room", zap.String("room", string(roomID)))
	r := room.NewRoom(context.Background(), roomID, h.historyMax, h.releaseRoom)
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()

	go h.loadRoom(r)
	return r
}

// loadRoom performs the one cold load for a new room and reports the outcome.
func (h *Hub) loadRoom(r *room.Room) {
	ctx := context.Background()

	doc, err := h.store.Load(ctx, r.GetID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing stored yet: the empty baseline is authoritative.
			r.FinishLoad(nil, nil)
			return
		}
		r.FinishLoad(nil, err)
		return
	}

	r.FinishLoad(doc, nil)
}

// releaseRoom is the room's onEmpty callback. The room is torn down only
// after a grace period so a page refresh keeps it warm; any unsaved state is
// handed to the saver on the way out.
func (h *Hub) releaseRoom(roomID board.RoomID) {
	h.mu.Lock()

	if existingTimer, exists := h.pendingRoomCleanups[roomID]; exists {
		existingTimer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		r, ok := h.rooms[roomID]
		if !ok || !r.IsEmpty() {
			delete(h.pendingRoomCleanups, roomID)
			if ok {
				logging.Info(context.Background(), "Cancelled room teardown, room is active again",
					zap.String("room", string(roomID)))
			}
			return
		}

		if doc, rev, dirty := r.DirtySnapshot(); dirty && h.saver != nil {
			h.saver.Schedule(store.Snapshot{RoomID: roomID, Document: doc, Rev: rev})
			logging.Info(context.Background(), "Scheduled final save for idle room",
				zap.String("room", string(roomID)), zap.Uint64("rev", rev))
		}

		delete(h.rooms, roomID)
		delete(h.pendingRoomCleanups, roomID)

		metrics.ActiveRooms.Dec()
		metrics.HistoryFrames.DeleteLabelValues(string(roomID))

		logging.Info(context.Background(), "Removed idle room after grace period",
			zap.String("room", string(roomID)))
	})

	h.pendingRoomCleanups[roomID] = timer
	h.mu.Unlock()
}

// dropSession runs when a session's read pump exits for any reason: close
// the session, leave its room so survivors see a members update, and remove
// it from the registry.
func (h *Hub) dropSession(s *Session) {
	s.Disconnect()

	if prev := s.swapRoom(nil); prev != nil {
		prev.Leave(context.Background(), s)
	}

	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	logging.Info(context.Background(), "Session disconnected",
		zap.String("sessionId", string(s.id)))
}

// CloseRoom handles the document store's delete notification: the room tells
// its members, refuses further joins and saves, and leaves the registry.
// Returns false for rooms this hub does not hold, which callers treat as
// already-deleted.
func (h *Hub) CloseRoom(ctx context.Context, roomID board.RoomID) bool {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if timer, pending := h.pendingRoomCleanups[roomID]; pending {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	delete(h.rooms, roomID)
	metrics.ActiveRooms.Dec()
	h.mu.Unlock()

	detached := r.CloseDeleted(ctx)

	h.mu.Lock()
	for _, id := range detached {
		if sess, found := h.sessions[id]; found {
			sess.clearRoom(r)
		}
	}
	h.mu.Unlock()

	logging.Info(ctx, "Room closed after store delete notification",
		zap.String("room", string(roomID)),
		zap.Int("detached", len(detached)),
	)
	return true
}

// HandleRoomDeleted serves the internal delete notification route. The store
// has already made the deletion authoritative, so the response is 204 whether
// or not this instance holds the room.
func (h *Hub) HandleRoomDeleted(c *gin.Context) {
	roomID := board.RoomID(c.Param("roomId"))
	h.CloseRoom(c.Request.Context(), roomID)
	c.Status(http.StatusNoContent)
}

// DirtySnapshots implements store.SnapshotSource over the live rooms.
func (h *Hub) DirtySnapshots() []store.Snapshot {
	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var snaps []store.Snapshot
	for _, r := range rooms {
		if doc, rev, dirty := r.DirtySnapshot(); dirty {
			snaps = append(snaps, store.Snapshot{RoomID: r.GetID(), Document: doc, Rev: rev})
		}
	}
	return snaps
}

// MarkClean implements store.SnapshotSource. Rooms gone from the registry
// are ignored.
func (h *Hub) MarkClean(roomID board.RoomID, rev uint64) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if ok {
		r.MarkClean(rev)
	}
}

// Stats reports current session and room counts for the health endpoint.
func (h *Hub) Stats() (connections int, rooms int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions), len(h.rooms)
}

// Shutdown closes every session and cancels pending teardown timers. Rooms
// stay registered so the saver's final flush can still see their dirty
// snapshots; the process exits right after.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all sessions...")

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	roomCount := len(h.rooms)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}

	logging.Info(ctx, "All sessions closed",
		zap.Int("sessions", len(sessions)),
		zap.Int("rooms", roomCount),
	)
	return nil
}
