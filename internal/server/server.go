package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/types"
)

// closeInvalidRoom is sent when the path room id is outside the configured
// range or a payload names a different room than the socket's path.
const closeInvalidRoom = 4000

// shutdownWait bounds the join on client pumps during shutdown.
const shutdownWait = 5 * time.Second

// MessagePublisher hands accepted messages to the broker.
type MessagePublisher interface {
	Publish(ctx context.Context, qm types.QueuedMessage) error
}

type ChatServer struct {
	log       *log.Logger
	stats     stats.StatsProvider
	publisher MessagePublisher
	roomCount int

	clientsLock sync.Mutex
	clients     map[*Client]struct{}
	rooms       map[string]map[*Client]struct{}

	pumps    sync.WaitGroup
	upgrader websocket.Upgrader
}

func NewChatServer(logger *log.Logger, sp stats.StatsProvider, pub MessagePublisher, roomCount int) *ChatServer {
	return &ChatServer{
		log:       logger,
		stats:     sp,
		publisher: pub,
		roomCount: roomCount,
		clients:   make(map[*Client]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades GET /chat/{room} and attaches the connection to its room.
// A room id outside 1..roomCount still upgrades so the client can be told
// why it was rejected, then closes with code 4000.
func (cs *ChatServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomId, convErr := strconv.Atoi(r.PathValue("room"))

	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.log.Println("ws upgrade:", err)
		return
	}

	if convErr != nil || roomId < 1 || roomId > cs.roomCount {
		cs.log.Printf("rejecting connection for invalid room %q", r.PathValue("room"))
		closeConn(conn, closeInvalidRoom, "invalid room id")
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	client := NewClient(id, strconv.Itoa(roomId), conn, cs, cs.log)
	cs.register(client)

	cs.pumps.Add(2)
	go func() {
		defer cs.pumps.Done()
		client.Write()
	}()
	go func() {
		defer cs.pumps.Done()
		client.Read()
	}()
}

func (cs *ChatServer) register(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}

	members, ok := cs.rooms[c.roomId]
	if !ok {
		members = make(map[*Client]struct{})
		cs.rooms[c.roomId] = members
	}
	members[c] = struct{}{}

	cs.stats.Incr(stats.ActiveConnections)
	cs.log.Printf("client %s joined room %s (%d in room)", c.id, c.roomId, len(members))
}

func (cs *ChatServer) deregister(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)

	if members, ok := cs.rooms[c.roomId]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(cs.rooms, c.roomId)
		}
	}

	cs.stats.Decr(stats.ActiveConnections)
	cs.log.Printf("client %s left room %s", c.id, c.roomId)
}

// Broadcast fans a raw payload out to every member of a room. The member
// list is snapshotted under the lock and writes happen outside it, so a slow
// socket never blocks membership changes. Returns the number of members the
// payload was queued for; members with a full send buffer are skipped.
func (cs *ChatServer) Broadcast(roomId string, payload []byte) int {
	cs.clientsLock.Lock()
	members := cs.rooms[roomId]
	snapshot := make([]*Client, 0, len(members))
	for c := range members {
		snapshot = append(snapshot, c)
	}
	cs.clientsLock.Unlock()

	delivered := 0
	for _, c := range snapshot {
		if c.queueMessage(payload) {
			delivered++
		}
	}

	return delivered
}

// RoomSize returns the current member count of a room.
func (cs *ChatServer) RoomSize(roomId string) int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.rooms[roomId])
}

// ConnectionCount returns the total number of attached connections.
func (cs *ChatServer) ConnectionCount() int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.clients)
}

// Shutdown stops every attached client and waits for their pumps to exit,
// bounded by shutdownWait.
func (cs *ChatServer) Shutdown() {
	cs.log.Println("shutting down chat server")

	cs.clientsLock.Lock()
	snapshot := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		snapshot = append(snapshot, c)
	}
	cs.clientsLock.Unlock()

	for _, c := range snapshot {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		cs.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownWait):
		cs.log.Println("timed out waiting for client pumps to exit")
	}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
