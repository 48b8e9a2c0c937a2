package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/types"
)

// publishChannel is the slice of amqp.Channel the publisher uses. Factored
// out so tests can substitute a fake.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes QueuedMessages to the chat exchange over a pool of
// confirm-mode channels. A channel is owned exclusively while borrowed, so it
// is never shared between goroutines mid-publish. A channel that faults is
// discarded; a fresh one is created lazily on the next borrow.
type Publisher struct {
	log        *log.Logger
	stats      stats.StatsProvider
	newChannel func() (publishChannel, error)
	idle       chan publishChannel
}

// NewPublisher creates a publisher whose idle pool holds at most maxIdle
// channels. Channels are opened in confirm mode for broker-side reliability;
// publish success is local send-success and confirms are not awaited.
func NewPublisher(conn *Conn, maxIdle int, logger *log.Logger, sp stats.StatsProvider) *Publisher {
	p := &Publisher{
		log:   logger,
		stats: sp,
		idle:  make(chan publishChannel, maxIdle),
	}

	p.newChannel = func() (publishChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("open publish channel: %w", err)
		}

		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("enable confirms: %w", err)
		}

		return ch, nil
	}

	return p
}

// Publish serializes qm and publishes it persistently with the room id as
// routing key. On any failure the borrowed channel is discarded and the
// error returned; the message is not retained.
func (p *Publisher) Publish(ctx context.Context, qm types.QueuedMessage) error {
	body, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	ch, err := p.borrow()
	if err != nil {
		p.stats.Incr(stats.QueueErrors)
		return err
	}

	err = ch.PublishWithContext(ctx, ChatExchange, qm.RoomId, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.stats.Incr(stats.QueueErrors)
		ch.Close()
		return fmt.Errorf("publish to %s: %w", ChatExchange, err)
	}

	p.stats.Incr(stats.MessagesAccepted)
	p.release(ch)
	return nil
}

func (p *Publisher) borrow() (publishChannel, error) {
	select {
	case ch := <-p.idle:
		return ch, nil
	default:
		return p.newChannel()
	}
}

func (p *Publisher) release(ch publishChannel) {
	select {
	case p.idle <- ch:
	default:
		ch.Close()
	}
}

// Close drains and closes every idle channel.
func (p *Publisher) Close() {
	for {
		select {
		case ch := <-p.idle:
			if err := ch.Close(); err != nil {
				p.log.Println("close publish channel:", err)
			}
		default:
			return
		}
	}
}
