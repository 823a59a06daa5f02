// Package store talks to the external document store: one-shot cold-loads
// when a room spins up, and debounced write-behind saves while it lives.
// The realtime server is the authority between loads; the store only ever
// sees full document snapshots.
package store

import (
	"context"
	"errors"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
)

// ErrNotFound reports that the store has no document for the room. Distinct
// from a transport or server failure: not-found is authoritative emptiness
// and permits later saves, a failure does not.
var ErrNotFound = errors.New("document not found")

// Store is the document store contract consumed by the hub and the saver.
type Store interface {
	Load(ctx context.Context, roomID board.RoomID) (*board.Document, error)
	Save(ctx context.Context, roomID board.RoomID, doc *board.Document) error
}

// Snapshot is one room's state captured under its lock for persistence.
// Rev identifies the mutation generation the document reflects; the room is
// marked clean only if that generation is still current when the save lands.
type Snapshot struct {
	RoomID   board.RoomID
	Document *board.Document
	Rev      uint64
}

// SnapshotSource yields the rooms that need persisting and acknowledges
// completed writes. Implemented by the hub.
type SnapshotSource interface {
	// DirtySnapshots returns a snapshot for every room mutated since its
	// last successful save. Rooms that refuse persistence (failed cold
	// load, pending deletion) are not returned.
	DirtySnapshots() []Snapshot

	// MarkClean records that rev was persisted for the room. Implementations
	// must ignore the call if the room has mutated past rev.
	MarkClean(roomID board.RoomID, rev uint64)
}
