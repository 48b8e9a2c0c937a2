package queue

import (
	"fmt"
	"log"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker topology names. One durable queue per room bound to a direct
// exchange with the room id as routing key; rejected or overflowing messages
// dead-letter into chat.dlq.
const (
	ChatExchange    = "chat.exchange"
	DLXExchange     = "chat.dlx.exchange"
	DLQQueue        = "chat.dlq"
	RoomQueuePrefix = "chat.room."

	roomQueueMaxLength = 50000

	heartbeatInterval = 30 * time.Second
	dialTimeout       = 10 * time.Second
)

// RoomQueueName returns the durable queue name for a room.
func RoomQueueName(roomId int) string {
	return RoomQueuePrefix + strconv.Itoa(roomId)
}

// RoomRoutingKey returns the routing key used to partition by room.
func RoomRoutingKey(roomId int) string {
	return strconv.Itoa(roomId)
}

// Conn wraps a single broker connection. Channels are created per worker and
// never shared; the connection itself is safe for concurrent channel creation.
type Conn struct {
	conn *amqp.Connection
	log  *log.Logger
}

func Dial(url string, logger *log.Logger) (*Conn, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: heartbeatInterval,
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}

	return &Conn{conn: conn, log: logger}, nil
}

// Channel opens a plain channel.
func (c *Conn) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// ConsumerChannel opens a channel with per-channel prefetch applied.
func (c *Conn) ConsumerChannel(prefetch int) (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return ch, nil
}

// DeclareTopology declares the exchanges and the dead-letter queue. Safe to
// call from every process; declarations are idempotent.
func (c *Conn) DeclareTopology() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open setup channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}

	if err := ch.QueueBind(DLQQueue, "dlq", DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}

	if err := ch.ExchangeDeclare(ChatExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare chat exchange: %w", err)
	}

	c.log.Println("broker topology declared")
	return nil
}

// EnsureRoomQueue declares and binds the durable queue for a room.
func EnsureRoomQueue(ch *amqp.Channel, roomId int) error {
	name := RoomQueueName(roomId)

	_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DLXExchange,
		"x-dead-letter-routing-key": "dlq",
		"x-max-length":              int32(roomQueueMaxLength),
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	if err := ch.QueueBind(name, RoomRoutingKey(roomId), ChatExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}

	return nil
}

// DeclareRoomQueues ensures the queue for every room from 1 to roomCount.
func (c *Conn) DeclareRoomQueues(roomCount int) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open setup channel: %w", err)
	}
	defer ch.Close()

	for roomId := 1; roomId <= roomCount; roomId++ {
		if err := EnsureRoomQueue(ch, roomId); err != nil {
			return err
		}
	}

	c.log.Printf("declared %d room queues", roomCount)
	return nil
}

func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *Conn) Close() error {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
