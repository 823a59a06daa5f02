package store

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/metrics"
)

const (
	saveMaxRetries  = 4
	saveBackoffBase = time.Second
)

// Saver runs the write-behind persistence loop. Every interval it asks the
// source for dirty rooms and saves each one asynchronously, holding two
// invariants: at most one save in flight per room, and when a room mutates
// mid-save only the newest snapshot is written afterwards. Intermediate
// snapshots are never persisted.
type Saver struct {
	store    Store
	source   SnapshotSource
	interval time.Duration

	mu       sync.Mutex
	inflight map[board.RoomID]struct{}
	pending  map[board.RoomID]Snapshot

	done chan struct{}
	wg   sync.WaitGroup

	// Overridable in tests to avoid multi-second backoff sleeps.
	maxRetries  int
	backoffBase time.Duration
}

// NewSaver wires a saver to its store and snapshot source. Call Start to
// begin the flush loop.
func NewSaver(st Store, source SnapshotSource, interval time.Duration) *Saver {
	return &Saver{
		store:       st,
		source:      source,
		interval:    interval,
		inflight:    make(map[board.RoomID]struct{}),
		pending:     make(map[board.RoomID]Snapshot),
		done:        make(chan struct{}),
		maxRetries:  saveMaxRetries,
		backoffBase: saveBackoffBase,
	}
}

// Start launches the periodic flush loop.
func (s *Saver) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Saver) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushDirty()
		}
	}
}

func (s *Saver) flushDirty() {
	for _, snap := range s.source.DirtySnapshots() {
		s.Schedule(snap)
	}
}

// Schedule queues a snapshot for saving. If a save for the room is already
// in flight the snapshot is parked as pending, replacing any older pending
// snapshot, and written once the current save resolves. Returns false when
// the snapshot was parked rather than started.
func (s *Saver) Schedule(snap Snapshot) bool {
	s.mu.Lock()
	if _, busy := s.inflight[snap.RoomID]; busy {
		s.pending[snap.RoomID] = snap
		s.mu.Unlock()
		return false
	}
	s.inflight[snap.RoomID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker(snap)
	return true
}

// worker saves one snapshot, then chains into whatever became pending for
// the room while it ran.
func (s *Saver) worker(snap Snapshot) {
	defer s.wg.Done()

	for {
		if s.saveWithRetry(snap) {
			s.source.MarkClean(snap.RoomID, snap.Rev)
		}

		s.mu.Lock()
		next, ok := s.pending[snap.RoomID]
		if !ok {
			delete(s.inflight, snap.RoomID)
			s.mu.Unlock()
			return
		}
		delete(s.pending, snap.RoomID)
		s.mu.Unlock()
		snap = next
	}
}

func (s *Saver) saveWithRetry(snap Snapshot) bool {
	ctx := context.Background()

	for attempt := 0; ; attempt++ {
		err := s.store.Save(ctx, snap.RoomID, snap.Document)
		if err == nil {
			if attempt > 0 {
				logging.Info(ctx, "Document save recovered after retry",
					zap.String("room", string(snap.RoomID)),
					zap.Int("attempt", attempt),
				)
			}
			return true
		}

		if attempt >= s.maxRetries {
			logging.Error(ctx, "Giving up on document save, room stays dirty",
				zap.String("room", string(snap.RoomID)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		metrics.SaveRetries.Inc()
		backoff := s.backoffBase * time.Duration(math.Pow(2, float64(attempt)))
		logging.Warn(ctx, "Document save failed, retrying",
			zap.String("room", string(snap.RoomID)),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-s.done:
			return false
		}
	}
}

// Stop flushes dirty rooms one last time and waits for in-flight saves to
// resolve or ctx to expire. Retry backoff is cut short so shutdown gives
// every dirty room a final attempt without serving the full retry tail.
func (s *Saver) Stop(ctx context.Context) error {
	s.flushDirty()
	close(s.done)

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		logging.Warn(ctx, "Saver shutdown timed out with saves in flight")
		return ctx.Err()
	}
}
