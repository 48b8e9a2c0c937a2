package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
)

// ValidMessageType reports whether t is one of TEXT, JOIN or LEAVE.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeJoin, MessageTypeLeave:
		return true
	}
	return false
}

// ChatMessage is the wire-level payload accepted from clients. The timestamp
// is client-asserted and kept as a string until validation.
type ChatMessage struct {
	UserId      int         `json:"userId"`
	Username    string      `json:"username"`
	Message     string      `json:"message"`
	Timestamp   string      `json:"timestamp"`
	MessageType MessageType `json:"messageType"`
	RoomId      int         `json:"roomId"`
}

// QueuedMessage is what crosses the broker. RoomId is duplicated as a string
// so consumers don't depend on the embedded payload for partitioning.
type QueuedMessage struct {
	ChatMessage       ChatMessage `json:"chatMessage"`
	RoomId            string      `json:"roomId"`
	ReceivedTimestamp int64       `json:"receivedTimestamp"`
}

func NewQueuedMessage(msg ChatMessage, roomId string) QueuedMessage {
	return QueuedMessage{
		ChatMessage:       msg,
		RoomId:            roomId,
		ReceivedTimestamp: time.Now().UnixMilli(),
	}
}

// BroadcastMessage is what crosses the bus: denormalized for fast delivery,
// never stored.
type BroadcastMessage struct {
	UserId          int         `json:"userId"`
	Username        string      `json:"username"`
	Message         string      `json:"message"`
	ClientTimestamp string      `json:"clientTimestamp"`
	MessageType     MessageType `json:"messageType"`
	RoomId          string      `json:"roomId"`
	ServerTimestamp int64       `json:"serverTimestamp"`
}

func NewBroadcastMessage(qm QueuedMessage) BroadcastMessage {
	return BroadcastMessage{
		UserId:          qm.ChatMessage.UserId,
		Username:        qm.ChatMessage.Username,
		Message:         qm.ChatMessage.Message,
		ClientTimestamp: qm.ChatMessage.Timestamp,
		MessageType:     qm.ChatMessage.MessageType,
		RoomId:          qm.RoomId,
		ServerTimestamp: time.Now().UnixMilli(),
	}
}

// ChatResponse is the envelope returned to a sender once the broker has
// accepted the message.
type ChatResponse struct {
	UserId          int         `json:"userId"`
	Username        string      `json:"username"`
	Message         string      `json:"message"`
	ClientTimestamp string      `json:"clientTimestamp"`
	MessageType     MessageType `json:"messageType"`
	Status          string      `json:"status"`
	ServerTimestamp string      `json:"serverTimestamp"`
}

const StatusOK = "OK"

// Error kinds surfaced to clients on ingress failures.
const (
	ErrKindParse      = "PARSE_ERROR"
	ErrKindValidation = "VALIDATION_ERROR"
	ErrKindQueue      = "QUEUE_ERROR"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func NewErrorResponse(kind, message string) ErrorResponse {
	return ErrorResponse{
		Error:     kind,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
