package transport

import (
	"context"
	"sync"
	"time"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/store"
)

// fakeStore implements store.Store
type fakeStore struct {
	mu      sync.Mutex
	docs    map[board.RoomID]*board.Document
	saved   []board.RoomID
	loads   int
	loadErr error
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[board.RoomID]*board.Document)}
}

func (f *fakeStore) Load(_ context.Context, roomID board.RoomID) (*board.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	doc, ok := f.docs[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc.Clone(), nil
}

func (f *fakeStore) Save(_ context.Context, roomID board.RoomID, doc *board.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, roomID)
	f.docs[roomID] = doc.Clone()
	return nil
}

func (f *fakeStore) savedRooms() []board.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]board.RoomID(nil), f.saved...)
}

// hubMockSession implements room.Session for hub tests that bypass the pumps
type hubMockSession struct {
	id   board.SessionID
	mu   sync.Mutex
	sent [][]byte
}

func (m *hubMockSession) GetID() board.SessionID { return m.id }

func (m *hubMockSession) Send(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
}

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error {
	return nil
}
