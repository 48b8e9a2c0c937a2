package loadclient

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/chatflow-io/chatflow/internal/types"
)

const (
	generatorQueueSize = 10000
	maxUserId          = 100000
)

// messagePool holds the canned texts cycled through by the generator.
var messagePool = []string{
	"hello everyone",
	"how is it going?",
	"anyone around?",
	"that was quick",
	"lag spike again",
	"sounds good to me",
	"what did I miss?",
	"brb in five",
	"same here",
	"let's move on",
	"nice one",
	"can someone repeat that?",
	"this room is busy today",
	"agreed",
	"not sure about that",
	"checking now",
	"done on my end",
	"works for me",
	"see you tomorrow",
	"good night all",
}

// Generator produces random chat traffic into a bounded queue. Workers drain
// the queue; a full queue blocks the generator, which is the closed loop's
// pacing mechanism.
type Generator struct {
	log       *log.Logger
	roomCount int
	queue     chan types.ChatMessage
	rng       *rand.Rand
}

func NewGenerator(roomCount int, logger *log.Logger) *Generator {
	return &Generator{
		log:       logger,
		roomCount: roomCount,
		queue:     make(chan types.ChatMessage, generatorQueueSize),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Messages returns the queue workers consume from. The channel is closed
// once Run has produced its full count.
func (g *Generator) Messages() <-chan types.ChatMessage {
	return g.queue
}

// QueueDepth returns the number of generated messages not yet taken by a
// worker.
func (g *Generator) QueueDepth() int {
	return len(g.queue)
}

// Run produces n messages, blocking whenever the queue is full, then closes
// the queue.
func (g *Generator) Run(n int) {
	for i := 0; i < n; i++ {
		g.queue <- g.randomMessage()
	}
	close(g.queue)
	g.log.Printf("generator finished after %d messages", n)
}

// randomMessage builds one message: 90% TEXT, 5% JOIN, 5% LEAVE, user and
// room drawn uniformly.
func (g *Generator) randomMessage() types.ChatMessage {
	userId := g.rng.Intn(maxUserId) + 1

	messageType := types.MessageTypeText
	text := messagePool[g.rng.Intn(len(messagePool))]
	switch roll := g.rng.Intn(100); {
	case roll < 5:
		messageType = types.MessageTypeJoin
		text = "joined the room"
	case roll < 10:
		messageType = types.MessageTypeLeave
		text = "left the room"
	}

	return types.ChatMessage{
		UserId:      userId,
		Username:    fmt.Sprintf("user%d", userId),
		Message:     text,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageType: messageType,
		RoomId:      g.rng.Intn(g.roomCount) + 1,
	}
}
