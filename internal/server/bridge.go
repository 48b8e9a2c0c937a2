package server

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatflow-io/chatflow/internal/bus"
	"github.com/chatflow-io/chatflow/internal/stats"
)

const bridgeRetryDelay = 100 * time.Millisecond

// Broadcaster delivers a bus payload to the local members of a room.
type Broadcaster interface {
	Broadcast(roomId string, payload []byte) int
}

// BusBridge subscribes to every room channel on the bus and fans received
// payloads out to local connections. Each edge process runs exactly one
// bridge; it reconnects forever until stopped.
type BusBridge struct {
	log    *log.Logger
	stats  stats.StatsProvider
	rdb    *redis.Client
	target Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBusBridge(rdb *redis.Client, target Broadcaster, logger *log.Logger, sp stats.StatsProvider) *BusBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &BusBridge{
		log:    logger,
		stats:  sp,
		rdb:    rdb,
		target: target,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Run blocks, consuming the pattern subscription until Stop is called. A
// dropped subscription is re-established after a short delay.
func (b *BusBridge) Run() {
	defer close(b.done)

	for {
		if b.ctx.Err() != nil {
			return
		}

		pubsub := b.rdb.PSubscribe(b.ctx, bus.ChannelPattern)
		b.log.Printf("bridge subscribed to %s", bus.ChannelPattern)

		b.consume(pubsub)
		pubsub.Close()

		if b.ctx.Err() != nil {
			return
		}

		b.log.Println("bridge subscription lost, reconnecting")
		select {
		case <-time.After(bridgeRetryDelay):
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *BusBridge) consume(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *BusBridge) dispatch(channel string, payload []byte) {
	roomId := bus.RoomFromChannel(channel)
	b.target.Broadcast(roomId, payload)
	b.stats.Incr(stats.BridgeBroadcasts)
}

// Stop tears down the subscription and waits for Run to return.
func (b *BusBridge) Stop() {
	b.cancel()
	<-b.done
}
