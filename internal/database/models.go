package database

import "time"

// StoredMessage is the persisted record. (MessageId, CreatedAt) is the
// identity; CreatedAt is also the storage partition key.
type StoredMessage struct {
	MessageId       string    `json:"message_id"`
	RoomId          int       `json:"room_id"`
	UserId          int       `json:"user_id"`
	Username        string    `json:"username"`
	MessageText     string    `json:"message_text"`
	MessageType     string    `json:"message_type"`
	ClientTimestamp time.Time `json:"client_timestamp"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	CreatedAt       time.Time `json:"created_at"`
}

// RoomParticipation summarizes one room a user has written to.
type RoomParticipation struct {
	RoomId       int       `json:"room_id"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// MessageRate is one minute bucket of message volume.
type MessageRate struct {
	Minute       time.Time `json:"minute"`
	MessageCount int64     `json:"message_count"`
}

// UserStats is a top-N row for user activity.
type UserStats struct {
	UserId       int    `json:"user_id"`
	Username     string `json:"username"`
	MessageCount int64  `json:"message_count"`
}

// RoomStats is a top-N row for room activity.
type RoomStats struct {
	RoomId       int   `json:"room_id"`
	MessageCount int64 `json:"message_count"`
	UniqueUsers  int   `json:"unique_users"`
}
