package server

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	// a 500-character message can reach ~6 KB when every character
	// arrives as an escaped surrogate pair, plus envelope overhead
	maxMessageSize = 16384

	publishTimeout = 10 * time.Second
)

type Client struct {
	id     string
	roomId string
	conn   *websocket.Conn
	cs     *ChatServer
	log    *log.Logger
	send   chan []byte
	stop   chan struct{}

	stopOnce sync.Once
}

func NewClient(id, roomId string, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:     id,
		roomId: roomId,
		conn:   conn,
		cs:     cs,
		log:    l,
		send:   make(chan []byte, 256),
		stop:   make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			if !c.sendMessage(websocket.TextMessage, msg) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		if !c.handleFrame(raw) {
			break
		}
	}
}

// handleFrame runs one inbound frame through parse, validate and publish.
// Returns false when the connection must be torn down.
func (c *Client) handleFrame(raw []byte) bool {
	var msg types.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.cs.stats.Incr(stats.ParseErrors)
		c.queueJson(types.NewErrorResponse(types.ErrKindParse, "Invalid JSON format"))
		return true
	}

	if err := validateMessage(msg); err != nil {
		c.cs.stats.Incr(stats.ValidationErrors)
		c.queueJson(types.NewErrorResponse(types.ErrKindValidation, err.Error()))
		return true
	}

	if strconv.Itoa(msg.RoomId) != c.roomId {
		c.log.Printf("client %s: payload room %d does not match connection room %s", c.id, msg.RoomId, c.roomId)
		closeConn(c.conn, closeInvalidRoom, "room id does not match connection")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	qm := types.NewQueuedMessage(msg, c.roomId)
	if err := c.cs.publisher.Publish(ctx, qm); err != nil {
		c.log.Printf("client %s: publish: %v", c.id, err)
		c.queueJson(types.NewErrorResponse(types.ErrKindQueue, "Failed to queue message"))
		return true
	}

	c.queueJson(okResponse(msg))
	return true
}

func (c *Client) queueJson(v any) bool {
	bytes, err := json.Marshal(v)
	if err != nil {
		c.log.Println("failed to serialize message:", err)
		return false
	}

	return c.queueMessage(bytes)
}

func (c *Client) queueMessage(msg []byte) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("client %s: send buffer full, dropping message", c.id)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.cs.deregister(c)
	c.stopClient()
}
