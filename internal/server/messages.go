package server

import (
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/chatflow-io/chatflow/internal/types"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]{3,20}$`)

const (
	minUserId = 1
	maxUserId = 100000

	minMessageLen = 1
	maxMessageLen = 500
)

// timestampLayouts accepted for the client-asserted timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

func parseTimestamp(ts string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, ts)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, lastErr
}

// validateMessage checks every field of an inbound ChatMessage. Each rule
// produces a distinct human-readable error surfaced verbatim in the
// VALIDATION_ERROR envelope.
func validateMessage(msg types.ChatMessage) error {
	if msg.UserId < minUserId || msg.UserId > maxUserId {
		return fmt.Errorf("userId must be between %d and %d", minUserId, maxUserId)
	}

	if !usernamePattern.MatchString(msg.Username) {
		return fmt.Errorf("username must be 3-20 alphanumeric characters")
	}

	if n := utf8.RuneCountInString(msg.Message); n < minMessageLen || n > maxMessageLen {
		return fmt.Errorf("message must be %d-%d characters", minMessageLen, maxMessageLen)
	}

	if msg.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}

	if _, err := parseTimestamp(msg.Timestamp); err != nil {
		return fmt.Errorf("timestamp must be valid ISO-8601")
	}

	if msg.MessageType == "" {
		return fmt.Errorf("messageType is required")
	}

	if !types.ValidMessageType(msg.MessageType) {
		return fmt.Errorf("messageType must be TEXT, JOIN, or LEAVE")
	}

	return nil
}

// okResponse builds the acceptance envelope echoed to the sender once the
// broker has taken the message.
func okResponse(msg types.ChatMessage) types.ChatResponse {
	return types.ChatResponse{
		UserId:          msg.UserId,
		Username:        msg.Username,
		Message:         msg.Message,
		ClientTimestamp: msg.Timestamp,
		MessageType:     msg.MessageType,
		Status:          types.StatusOK,
		ServerTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
