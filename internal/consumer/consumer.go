package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/chatflow-io/chatflow/internal/config"
	"github.com/chatflow-io/chatflow/internal/queue"
	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/types"
)

const monitorInterval = 10 * time.Second

// BusPublisher hands broadcast payloads to the pub/sub substrate.
type BusPublisher interface {
	Publish(roomId, payload string) bool
}

// MessageWriter offers messages for persistence.
type MessageWriter interface {
	Enqueue(qm types.QueuedMessage) bool
}

// Consumer drains the per-room broker queues with a fixed pool of workers
// per room. Every worker owns its channel and its ack state; the bus
// publisher and db writer are shared across workers.
type Consumer struct {
	log   *log.Logger
	stats stats.StatsProvider
	conn  *queue.Conn
	bus   BusPublisher

	// writer is nil when persistence is disabled
	writer MessageWriter

	roomCount      int
	workersPerRoom int
	prefetch       int
}

func New(conn *queue.Conn, busPub BusPublisher, writer MessageWriter, cfg *config.Config, logger *log.Logger, sp stats.StatsProvider) *Consumer {
	return &Consumer{
		log:            logger,
		stats:          sp,
		conn:           conn,
		bus:            busPub,
		writer:         writer,
		roomCount:      cfg.RoomCount,
		workersPerRoom: cfg.ConsumersPerRoom,
		prefetch:       cfg.PrefetchCount,
	}
}

// Run starts every room worker and the stats monitor, blocking until ctx is
// cancelled or a worker fails unrecoverably.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	workerId := 0
	for roomId := 1; roomId <= c.roomCount; roomId++ {
		for i := 0; i < c.workersPerRoom; i++ {
			roomId, workerId := roomId, workerId
			g.Go(func() error {
				return c.runWorker(ctx, roomId, workerId)
			})
			workerId++
		}
	}

	g.Go(func() error {
		return c.monitor(ctx)
	})

	c.log.Printf("started %d workers across %d rooms", workerId, c.roomCount)
	return g.Wait()
}

func (c *Consumer) runWorker(ctx context.Context, roomId, workerId int) error {
	ch, err := c.conn.ConsumerChannel(c.prefetch)
	if err != nil {
		return fmt.Errorf("worker %d: open channel: %w", workerId, err)
	}
	defer ch.Close()

	tag := fmt.Sprintf("consumer-%d-room-%d", workerId, roomId)
	deliveries, err := ch.Consume(queue.RoomQueueName(roomId), tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker %d: consume %s: %w", workerId, queue.RoomQueueName(roomId), err)
	}

	acks := newAckTracker(ch, c.log)
	for {
		select {
		case <-ctx.Done():
			if err := acks.flush(); err != nil {
				c.log.Printf("worker %d: final ack flush: %v", workerId, err)
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("worker %d: delivery channel closed", workerId)
			}
			c.handleDelivery(d, acks, workerId)
		}
	}
}

func (c *Consumer) handleDelivery(d amqp.Delivery, acks *ackTracker, workerId int) {
	if c.handleMessage(d.Body) {
		if err := acks.track(d.DeliveryTag); err != nil {
			c.log.Printf("worker %d: ack: %v", workerId, err)
		}
		return
	}

	if err := acks.nack(d.DeliveryTag); err != nil {
		c.log.Printf("worker %d: nack: %v", workerId, err)
	}
}

// handleMessage runs one delivery through broadcast and persistence. Returns
// false when the delivery must be rejected: unparseable payloads and bus
// publish failures dead-letter, a full db queue does not.
func (c *Consumer) handleMessage(body []byte) bool {
	var qm types.QueuedMessage
	if err := json.Unmarshal(body, &qm); err != nil {
		c.stats.Incr(stats.MessagesFailed)
		c.log.Println("unparseable delivery:", err)
		return false
	}

	bm := types.NewBroadcastMessage(qm)
	payload, err := json.Marshal(bm)
	if err != nil {
		c.stats.Incr(stats.MessagesFailed)
		return false
	}

	if !c.bus.Publish(qm.RoomId, string(payload)) {
		c.stats.Incr(stats.MessagesFailed)
		c.log.Printf("bus publish refused for room %s", qm.RoomId)
		return false
	}

	if c.writer != nil {
		if !c.writer.Enqueue(qm) {
			c.log.Printf("db queue full, dropped message for room %s", qm.RoomId)
		}
	}

	c.stats.Incr(stats.MessagesProcessed)
	return true
}

func (c *Consumer) monitor(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.log.Printf("processed=%d failed=%d busPublished=%d dbQueued=%d dbWritten=%d dbDropped=%d",
				c.stats.Value(stats.MessagesProcessed),
				c.stats.Value(stats.MessagesFailed),
				c.stats.Value(stats.BusPublished),
				c.stats.Value(stats.DBQueued),
				c.stats.Value(stats.DBWritten),
				c.stats.Value(stats.DBDropped),
			)
		}
	}
}
