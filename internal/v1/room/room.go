// Package room holds the authoritative state of one live whiteboard: the
// current document, the bounded undo/redo history, and the member set. Every
// operation is serialized by the room's mutex, which makes the history a
// single linear sequence that all members observe in the same order.
package room

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/metrics"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/protocol"
)

const (
	// DefaultHistoryMax bounds the undo history when no limit is configured.
	DefaultHistoryMax = 100
)

// ErrRoomClosed is returned by Join once the room's document was deleted.
var ErrRoomClosed = errors.New("room closed")

// Session is the transport-side peer of a room member. Send must never
// block; the transport enforces that with its bounded outbound queue.
type Session interface {
	GetID() board.SessionID
	Send(data []byte)
}

// Room is one live whiteboard.
type Room struct {
	ID board.RoomID

	mu       sync.RWMutex
	history  []*board.Document
	cursor   int
	members  set.Set[board.SessionID]
	sessions map[board.SessionID]Session

	seq       int64  // created_at source, strictly increasing per room
	rev       uint64 // bumped on every history-visible change
	lastSaved uint64 // revision most recently persisted

	loaded     chan struct{} // closed once the cold load resolves
	loadFailed bool
	deleted    bool

	historyMax int
	onEmpty    func(board.RoomID)

	ctx context.Context
}

// NewRoom creates a room with an empty baseline document. The room accepts
// joins once FinishLoad has been called; the hub triggers exactly one cold
// load per room and reports its outcome through FinishLoad. onEmpty fires
// whenever the last member leaves.
func NewRoom(ctx context.Context, id board.RoomID, historyMax int, onEmpty func(board.RoomID)) *Room {
	if historyMax < 1 {
		historyMax = DefaultHistoryMax
	}
	return &Room{
		ID:         id,
		history:    []*board.Document{board.NewDocument()},
		cursor:     0,
		members:    set.New[board.SessionID](),
		sessions:   make(map[board.SessionID]Session),
		loaded:     make(chan struct{}),
		historyMax: historyMax,
		onEmpty:    onEmpty,
		ctx:        logging.WithRoomID(ctx, string(id)),
	}
}

// GetID returns the room ID.
func (r *Room) GetID() board.RoomID {
	return r.ID
}

// FinishLoad installs the cold-loaded document as the history baseline and
// unblocks waiting joiners. A nil document with a nil error means the store
// had nothing: the empty baseline stands and saves are permitted. A non-nil
// error marks the room load-failed: it serves the empty document but refuses
// saves so a transient store outage can never overwrite existing data.
// Must be called exactly once.
func (r *Room) FinishLoad(doc *board.Document, err error) {
	r.mu.Lock()
	switch {
	case err != nil:
		r.loadFailed = true
		logging.Error(r.ctx, "Cold load failed, room serves empty document and refuses saves",
			zap.Error(err),
		)
	case doc != nil:
		r.history[0] = doc
		r.seq = doc.MaxCreatedAt()
	}
	metrics.HistoryFrames.WithLabelValues(string(r.ID)).Set(float64(len(r.history)))
	r.mu.Unlock()

	close(r.loaded)
}

// Join adds a session to the room, waiting for the cold load to resolve
// first. The joiner receives the current snapshot with undo/redo flags, then
// everyone receives the refreshed member list. Joining twice refreshes the
// membership and resends the snapshot.
func (r *Room) Join(ctx context.Context, sess Session) error {
	select {
	case <-r.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return ErrRoomClosed
	}

	id := sess.GetID()
	r.members.Insert(id)
	r.sessions[id] = sess
	metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(r.members.Len()))

	logging.Info(ctx, "Session joined room",
		zap.String("room", string(r.ID)),
		zap.String("sessionId", string(id)),
		zap.Int("members", r.members.Len()),
	)

	if data, err := protocol.EncodeStateUpdate(r.currentLocked(), r.canUndoLocked(), r.canRedoLocked()); err != nil {
		logging.Error(ctx, "Failed to marshal snapshot for joiner", zap.String("room", string(r.ID)), zap.Error(err))
	} else {
		sess.Send(data)
	}

	r.broadcastMembersLocked(ctx)
	return nil
}

// Leave removes a session from the room and tells the survivors. When the
// last member leaves, onEmpty fires so the hub can schedule teardown.
func (r *Room) Leave(ctx context.Context, sess Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sess.GetID()
	if !r.members.Has(id) {
		return
	}
	r.members.Delete(id)
	delete(r.sessions, id)

	if r.members.Len() > 0 {
		metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(r.members.Len()))
	} else {
		metrics.RoomMembers.DeleteLabelValues(string(r.ID))
	}

	logging.Info(ctx, "Session left room",
		zap.String("room", string(r.ID)),
		zap.String("sessionId", string(id)),
		zap.Int("members", r.members.Len()),
	)

	r.broadcastMembersLocked(ctx)

	if r.members.Len() == 0 && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// CloseDeleted handles the document store's delete notification: members are
// told the room is gone, the member set empties, and the room refuses all
// further joins and saves. Returns the detached session ids so the hub can
// release its bindings. Idempotent.
func (r *Room) CloseDeleted(ctx context.Context) []board.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return nil
	}
	r.deleted = true

	logging.Info(ctx, "Closing deleted room",
		zap.String("room", string(r.ID)),
		zap.Int("members", r.members.Len()),
	)

	if data, err := protocol.EncodeRoomDeleted(r.ID); err != nil {
		logging.Error(ctx, "Failed to marshal room-deleted broadcast", zap.String("room", string(r.ID)), zap.Error(err))
	} else {
		r.broadcastLocked(data)
	}

	detached := r.memberIDsLocked()
	r.members = set.New[board.SessionID]()
	r.sessions = make(map[board.SessionID]Session)

	metrics.RoomMembers.DeleteLabelValues(string(r.ID))
	metrics.HistoryFrames.DeleteLabelValues(string(r.ID))
	return detached
}

// IsEmpty reports whether the room has no members.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members.Len() == 0
}

// MemberIDs returns the current member session ids in sorted order.
func (r *Room) MemberIDs() []board.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberIDsLocked()
}

// DirtySnapshot returns the current frame and revision if the room has
// unpersisted changes. Rooms that refused their cold load or are pending
// deletion never report dirty.
func (r *Room) DirtySnapshot() (*board.Document, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.loadFailed || r.deleted || r.rev == r.lastSaved {
		return nil, 0, false
	}
	// Frames are immutable, so the saver can hold this pointer without a copy.
	return r.history[r.cursor], r.rev, true
}

// MarkClean records that rev was persisted. A room that mutated past rev
// stays dirty.
func (r *Room) MarkClean(rev uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rev > r.lastSaved {
		r.lastSaved = rev
	}
}

// --- Internals. Callers must hold r.mu unless noted. ---

func (r *Room) currentLocked() *board.Document {
	return r.history[r.cursor]
}

func (r *Room) canUndoLocked() bool {
	return r.cursor > 0
}

func (r *Room) canRedoLocked() bool {
	return r.cursor < len(r.history)-1
}

func (r *Room) isMemberLocked(id board.SessionID) bool {
	return r.members.Has(id)
}

func (r *Room) memberIDsLocked() []board.SessionID {
	ids := make([]board.SessionID, 0, r.members.Len())
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// pushFrameLocked implements the history discipline: discard the redo tail,
// append the new frame, move the cursor to it, and drop the oldest frame
// once the bound is exceeded.
func (r *Room) pushFrameLocked(doc *board.Document) {
	for i := r.cursor + 1; i < len(r.history); i++ {
		r.history[i] = nil
	}
	r.history = append(r.history[:r.cursor+1], doc)
	r.cursor = len(r.history) - 1

	if len(r.history) > r.historyMax {
		copy(r.history, r.history[1:])
		r.history[len(r.history)-1] = nil
		r.history = r.history[:len(r.history)-1]
		r.cursor--
	}

	r.rev++
	metrics.HistoryFrames.WithLabelValues(string(r.ID)).Set(float64(len(r.history)))
}

// broadcastLocked enqueues the same marshaled bytes to every member.
func (r *Room) broadcastLocked(data []byte) {
	for _, sess := range r.sessions {
		sess.Send(data)
	}
}

// broadcastExceptLocked enqueues to every member but one.
func (r *Room) broadcastExceptLocked(data []byte, exclude board.SessionID) {
	for id, sess := range r.sessions {
		if id == exclude {
			continue
		}
		sess.Send(data)
	}
}

// broadcastStateLocked marshals the current frame with undo/redo flags once
// and fans it out to every member, the originator included.
func (r *Room) broadcastStateLocked(ctx context.Context) {
	data, err := protocol.EncodeStateUpdate(r.currentLocked(), r.canUndoLocked(), r.canRedoLocked())
	if err != nil {
		logging.Error(ctx, "Failed to marshal state-update broadcast", zap.String("room", string(r.ID)), zap.Error(err))
		return
	}
	r.broadcastLocked(data)
}

func (r *Room) broadcastMembersLocked(ctx context.Context) {
	data, err := protocol.EncodeMembers(r.memberIDsLocked())
	if err != nil {
		logging.Error(ctx, "Failed to marshal members broadcast", zap.String("room", string(r.ID)), zap.Error(err))
		return
	}
	r.broadcastLocked(data)
}
