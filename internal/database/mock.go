package database

import (
	"sync"
	"time"

	"github.com/chatflow-io/chatflow/internal/types"
)

// MockMessageRepository is an in-memory MessageRepository for tests.
// Behavior can be overridden per call through the function fields.
type MockMessageRepository struct {
	mu       sync.Mutex
	Inserted []types.QueuedMessage

	BatchInsertFunc func(msgs []types.QueuedMessage) (int, error)
	PingFunc        func() error
}

func (m *MockMessageRepository) Ping() error {
	if m.PingFunc != nil {
		return m.PingFunc()
	}
	return nil
}

func (m *MockMessageRepository) BatchInsert(msgs []types.QueuedMessage) (int, error) {
	if m.BatchInsertFunc != nil {
		return m.BatchInsertFunc(msgs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inserted = append(m.Inserted, msgs...)
	return len(msgs), nil
}

// InsertedCount returns the number of messages stored so far.
func (m *MockMessageRepository) InsertedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Inserted)
}

func (m *MockMessageRepository) RoomHistory(roomId int, from, to time.Time) ([]StoredMessage, error) {
	return nil, nil
}

func (m *MockMessageRepository) UserHistory(userId int, from, to time.Time) ([]StoredMessage, error) {
	return nil, nil
}

func (m *MockMessageRepository) CountActiveUsers(from, to time.Time) (int64, error) {
	return 0, nil
}

func (m *MockMessageRepository) RoomsForUser(userId int) ([]RoomParticipation, error) {
	return nil, nil
}

func (m *MockMessageRepository) MessagesPerMinute(from, to time.Time) ([]MessageRate, error) {
	return nil, nil
}

func (m *MockMessageRepository) TopUsers(limit int) ([]UserStats, error) {
	return nil, nil
}

func (m *MockMessageRepository) TopRooms(limit int) ([]RoomStats, error) {
	return nil, nil
}

func (m *MockMessageRepository) EnsurePartitions(now time.Time) error {
	return nil
}

func (m *MockMessageRepository) Close() error {
	return nil
}
