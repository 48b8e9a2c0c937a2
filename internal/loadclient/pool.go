package loadclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatflow-io/chatflow/internal/types"
)

const (
	maxConnsPerRoom   = 10
	handshakeTimeout  = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	pingWriteWait     = 5 * time.Second
	sendWriteWait     = 10 * time.Second

	responseBuffer = 64
)

var ErrResponseTimeout = errors.New("timed out waiting for server response")

// PooledConn is one persistent socket pinned to a room. A background read
// loop feeds server envelopes into the response queue; broadcast traffic for
// the room arrives on the same socket and is filtered out when awaiting an
// acceptance envelope.
type PooledConn struct {
	roomId    int
	conn      *websocket.Conn
	responses chan []byte
	healthy   atomic.Bool
	closeOnce sync.Once
}

func (pc *PooledConn) Healthy() bool {
	return pc.healthy.Load()
}

func (pc *PooledConn) markUnhealthy() {
	pc.healthy.Store(false)
}

func (pc *PooledConn) readLoop() {
	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			pc.markUnhealthy()
			return
		}

		select {
		case pc.responses <- raw:
		default:
			// awaiter has fallen behind on broadcast traffic; drop
		}
	}
}

// Send writes one message to the socket.
func (pc *PooledConn) Send(msg types.ChatMessage) error {
	pc.conn.SetWriteDeadline(time.Now().Add(sendWriteWait))
	return pc.conn.WriteJSON(msg)
}

// AwaitResponse blocks until an acceptance or error envelope arrives,
// skipping room broadcasts, or until the timeout elapses.
func (pc *PooledConn) AwaitResponse(timeout time.Duration) (types.ChatResponse, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case raw := <-pc.responses:
			var probe struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				continue
			}

			if probe.Error != "" {
				return types.ChatResponse{}, fmt.Errorf("server error: %s", probe.Error)
			}
			if probe.Status != "" {
				var resp types.ChatResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					return types.ChatResponse{}, err
				}
				return resp, nil
			}
			// broadcast for this room, not addressed to us
		case <-timer.C:
			return types.ChatResponse{}, ErrResponseTimeout
		}
	}
}

func (pc *PooledConn) close() {
	pc.closeOnce.Do(func() {
		pc.markUnhealthy()
		if pc.conn != nil {
			pc.conn.Close()
		}
	})
}

// Pool keeps up to maxConnsPerRoom idle sockets per room. Unhealthy sockets
// are closed instead of returned; a heartbeat pings every tracked socket and
// marks failures unhealthy.
type Pool struct {
	log       *log.Logger
	serverURL string
	dialer    *websocket.Dialer
	idle      map[int]chan *PooledConn

	connsMu sync.Mutex
	conns   map[*PooledConn]struct{}

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool builds a pool for rooms 1..roomCount against serverURL
// (e.g. ws://localhost:8080).
func NewPool(serverURL string, roomCount int, logger *log.Logger) *Pool {
	idle := make(map[int]chan *PooledConn, roomCount)
	for roomId := 1; roomId <= roomCount; roomId++ {
		idle[roomId] = make(chan *PooledConn, maxConnsPerRoom)
	}

	return &Pool{
		log:       logger,
		serverURL: serverURL,
		dialer:    &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		idle:      idle,
		conns:     make(map[*PooledConn]struct{}),
		stop:      make(chan struct{}),
	}
}

// StartHeartbeat runs the 30 s ping loop until Close.
func (p *Pool) StartHeartbeat() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.pingAll()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Pool) pingAll() {
	p.connsMu.Lock()
	snapshot := make([]*PooledConn, 0, len(p.conns))
	for pc := range p.conns {
		snapshot = append(snapshot, pc)
	}
	p.connsMu.Unlock()

	for _, pc := range snapshot {
		deadline := time.Now().Add(pingWriteWait)
		if err := pc.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			p.log.Printf("heartbeat failed for room %d conn: %v", pc.roomId, err)
			pc.markUnhealthy()
		}
	}
}

// Get returns a healthy pooled socket for the room, dialing a fresh one when
// the pool has none. Unhealthy idle sockets are closed on the way.
func (p *Pool) Get(roomId int) (*PooledConn, error) {
	for {
		select {
		case pc := <-p.idle[roomId]:
			if pc.Healthy() {
				return pc, nil
			}
			p.discard(pc)
		default:
			return p.dial(roomId)
		}
	}
}

// Put offers a socket back to its room's pool. A full pool or an unhealthy
// socket means the socket is closed instead.
func (p *Pool) Put(pc *PooledConn) {
	if !pc.Healthy() {
		p.discard(pc)
		return
	}

	select {
	case p.idle[pc.roomId] <- pc:
	default:
		p.discard(pc)
	}
}

// Discard closes a socket without returning it.
func (p *Pool) Discard(pc *PooledConn) {
	p.discard(pc)
}

func (p *Pool) dial(roomId int) (*PooledConn, error) {
	url := fmt.Sprintf("%s/chat/%d", p.serverURL, roomId)
	conn, _, err := p.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	pc := &PooledConn{
		roomId:    roomId,
		conn:      conn,
		responses: make(chan []byte, responseBuffer),
	}
	pc.healthy.Store(true)
	conn.SetPongHandler(func(appData string) error {
		pc.healthy.Store(true)
		return nil
	})

	p.connsMu.Lock()
	p.conns[pc] = struct{}{}
	p.connsMu.Unlock()

	go pc.readLoop()
	return pc, nil
}

func (p *Pool) discard(pc *PooledConn) {
	p.connsMu.Lock()
	delete(p.conns, pc)
	p.connsMu.Unlock()
	pc.close()
}

// Close stops the heartbeat and closes every tracked socket.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.connsMu.Lock()
	snapshot := make([]*PooledConn, 0, len(p.conns))
	for pc := range p.conns {
		snapshot = append(snapshot, pc)
	}
	p.conns = make(map[*PooledConn]struct{})
	p.connsMu.Unlock()

	for _, pc := range snapshot {
		pc.close()
	}
}
