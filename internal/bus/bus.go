// Package bus wraps the pub/sub substrate used for low-latency room
// broadcast. Channels are named chatroom:{roomId}; payloads are raw
// BroadcastMessage JSON and are never stored.
package bus

import (
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ChannelPrefix = "chatroom:"

// ChannelName returns the bus channel for a room.
func ChannelName(roomId string) string {
	return ChannelPrefix + roomId
}

// ChannelPattern matches every room channel.
const ChannelPattern = ChannelPrefix + "*"

// RoomFromChannel extracts the room id from a bus channel name.
func RoomFromChannel(channel string) string {
	return strings.TrimPrefix(channel, ChannelPrefix)
}

// NewClient builds the shared bus client. Pool bounds mirror the publisher
// workload: many short pipeline leases, block-when-exhausted with a bounded
// wait.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     200,
		MinIdleConns: 10,
		PoolTimeout:  5 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}
