package database

import (
	"time"

	"github.com/chatflow-io/chatflow/internal/types"
)

type MessageRepository interface {
	Ping() error
	BatchInsert(msgs []types.QueuedMessage) (int, error)
	RoomHistory(roomId int, from, to time.Time) ([]StoredMessage, error)
	UserHistory(userId int, from, to time.Time) ([]StoredMessage, error)
	CountActiveUsers(from, to time.Time) (int64, error)
	RoomsForUser(userId int) ([]RoomParticipation, error)
	MessagesPerMinute(from, to time.Time) ([]MessageRate, error)
	TopUsers(limit int) ([]UserStats, error)
	TopRooms(limit int) ([]RoomStats, error)
	EnsurePartitions(now time.Time) error
	Close() error
}
