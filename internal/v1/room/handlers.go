package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/metrics"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/protocol"
)

// Route statuses recorded against the events counter.
const (
	statusOK        = "ok"
	statusMalformed = "malformed"
	statusDropped   = "dropped"
)

// Route dispatches one room-scoped message from a session. Join and leave
// never arrive here; the hub owns membership lifecycle. Malformed payloads
// are logged and dropped without closing the connection; messages from
// non-members are dropped silently.
func (r *Room) Route(ctx context.Context, sess Session, msg protocol.Message) {
	start := time.Now()
	status := r.route(ctx, sess, msg)
	metrics.WebsocketEvents.WithLabelValues(string(msg.Kind), status).Inc()
	metrics.MessageProcessingDuration.WithLabelValues(string(msg.Kind)).Observe(time.Since(start).Seconds())
}

func (r *Room) route(ctx context.Context, sess Session, msg protocol.Message) string {
	switch msg.Kind {
	case protocol.KindCreateElement:
		return r.handleCreateElement(ctx, sess, msg.Data)
	case protocol.KindDeleteElement:
		return r.handleDeleteElement(ctx, sess, msg.Data)
	case protocol.KindUndo:
		return r.handleUndo(ctx, sess)
	case protocol.KindRedo:
		return r.handleRedo(ctx, sess)
	case protocol.KindCursorMove:
		return r.handleCursorMove(ctx, sess, msg.Data)
	case protocol.KindCursorLeave:
		return r.handleCursorLeave(ctx, sess)
	default:
		logging.Warn(ctx, "Unknown message kind",
			zap.String("room", string(r.ID)),
			zap.String("kind", string(msg.Kind)),
			zap.String("sessionId", string(sess.GetID())),
		)
		return statusMalformed
	}
}

func (r *Room) handleCreateElement(ctx context.Context, sess Session, data json.RawMessage) string {
	var payload protocol.CreateElementPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logging.Warn(ctx, "Malformed create-element payload", zap.String("room", string(r.ID)), zap.Error(err))
		return statusMalformed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(sess.GetID()) {
		return statusDropped
	}

	el, err := r.buildElementLocked(sess.GetID(), payload)
	if err != nil {
		logging.Warn(ctx, "Rejected create-element payload",
			zap.String("room", string(r.ID)),
			zap.String("sessionId", string(sess.GetID())),
			zap.String("type", string(payload.Type)),
			zap.Error(err),
		)
		return statusMalformed
	}

	next, err := r.currentLocked().AddElement(el)
	if err != nil {
		// Ids are minted under the lock, so a collision here means a bug.
		logging.Error(ctx, "Failed to append element", zap.String("room", string(r.ID)), zap.Error(err))
		return statusMalformed
	}

	r.pushFrameLocked(next)
	r.broadcastStateLocked(ctx)
	return statusOK
}

func (r *Room) handleDeleteElement(ctx context.Context, sess Session, data json.RawMessage) string {
	var payload protocol.DeleteElementPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logging.Warn(ctx, "Malformed delete-element payload", zap.String("room", string(r.ID)), zap.Error(err))
		return statusMalformed
	}
	if payload.ElementID == "" {
		return statusMalformed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(sess.GetID()) {
		return statusDropped
	}

	next, changed := r.currentLocked().RemoveElement(payload.ElementID)
	if !changed {
		// Unknown id: no history advance, no broadcast.
		return statusOK
	}

	r.pushFrameLocked(next)
	r.broadcastStateLocked(ctx)
	return statusOK
}

func (r *Room) handleUndo(ctx context.Context, sess Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(sess.GetID()) {
		return statusDropped
	}
	if !r.canUndoLocked() {
		return statusOK
	}

	r.cursor--
	r.rev++
	r.broadcastStateLocked(ctx)
	return statusOK
}

func (r *Room) handleRedo(ctx context.Context, sess Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(sess.GetID()) {
		return statusDropped
	}
	if !r.canRedoLocked() {
		return statusOK
	}

	r.cursor++
	r.rev++
	r.broadcastStateLocked(ctx)
	return statusOK
}

func (r *Room) handleCursorMove(ctx context.Context, sess Session, data json.RawMessage) string {
	var payload protocol.CursorMovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logging.Warn(ctx, "Malformed cursor-move payload", zap.String("room", string(r.ID)), zap.Error(err))
		return statusMalformed
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.isMemberLocked(sess.GetID()) {
		return statusDropped
	}

	out, err := protocol.Encode(protocol.KindRemoteCursor, protocol.RemoteCursorPayload{
		SessionID: sess.GetID(),
		X:         payload.X,
		Y:         payload.Y,
		Label:     payload.Label,
	})
	if err != nil {
		logging.Error(ctx, "Failed to marshal remote-cursor relay", zap.String("room", string(r.ID)), zap.Error(err))
		return statusMalformed
	}

	r.broadcastExceptLocked(out, sess.GetID())
	return statusOK
}

func (r *Room) handleCursorLeave(ctx context.Context, sess Session) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.isMemberLocked(sess.GetID()) {
		return statusDropped
	}

	out, err := protocol.Encode(protocol.KindRemoteCursorLeave, protocol.RemoteCursorLeavePayload{
		SessionID: sess.GetID(),
	})
	if err != nil {
		logging.Error(ctx, "Failed to marshal remote-cursor-leave relay", zap.String("room", string(r.ID)), zap.Error(err))
		return statusMalformed
	}

	r.broadcastExceptLocked(out, sess.GetID())
	return statusOK
}

// buildElementLocked decodes the typed inner payload, validates it, and
// stamps the server-assigned fields: a fresh uuid, the submitting session as
// author, and the next value of the room's creation counter.
func (r *Room) buildElementLocked(author board.SessionID, payload protocol.CreateElementPayload) (board.Element, error) {
	meta := func() board.Meta {
		r.seq++
		return board.Meta{
			ID:        board.ElementID(uuid.NewString()),
			Author:    author,
			CreatedAt: r.seq,
		}
	}

	switch payload.Type {
	case protocol.ElementTypeLine:
		var p protocol.LinePayload
		if err := json.Unmarshal(payload.Payload, &p); err != nil {
			return nil, err
		}
		el := board.Stroke{
			Points:      p.Points,
			Color:       p.Color,
			StrokeWidth: p.StrokeWidth,
			Mode:        p.Mode,
		}
		if err := el.Validate(); err != nil {
			return nil, err
		}
		el.Meta = meta()
		return el, nil

	case protocol.ElementTypeShape:
		var p protocol.ShapePayload
		if err := json.Unmarshal(payload.Payload, &p); err != nil {
			return nil, err
		}
		el := board.Shape{
			Kind:        p.Kind,
			From:        p.From,
			To:          p.To,
			Color:       p.Color,
			StrokeWidth: p.StrokeWidth,
			Fill:        p.Fill,
		}
		if err := el.Validate(); err != nil {
			return nil, err
		}
		el.Meta = meta()
		return el, nil

	case protocol.ElementTypeText:
		var p protocol.TextPayload
		if err := json.Unmarshal(payload.Payload, &p); err != nil {
			return nil, err
		}
		el := board.Text{
			Anchor:     p.Anchor,
			Text:       p.Text,
			FontSize:   p.FontSize,
			FontFamily: p.FontFamily,
			Color:      p.Color,
		}
		if err := el.Validate(); err != nil {
			return nil, err
		}
		el.Meta = meta()
		return el, nil

	default:
		return nil, protocol.ErrUnknownElementType
	}
}
