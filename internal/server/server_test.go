package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/testutil"
	"github.com/chatflow-io/chatflow/internal/types"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []types.QueuedMessage
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, qm types.QueuedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, qm)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestServer(t *testing.T, pub MessagePublisher) (*ChatServer, *stats.MockStatsProvider) {
	sp := stats.NewMockStatsProvider()
	cs := NewChatServer(testutil.TestLogger(t), sp, pub, 20)
	return cs, sp
}

func dialTestServer(t *testing.T, cs *ChatServer, path string) *websocket.Conn {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/{room}", cs.ServeWS)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial should succeed for %s", path)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestChatServerAcceptsValidMessage(t *testing.T) {
	pub := &fakePublisher{}
	cs, _ := newTestServer(t, pub)
	conn := dialTestServer(t, cs, "/chat/5")

	msg := validMessage()
	require.NoError(t, conn.WriteJSON(msg))

	var resp types.ChatResponse
	require.NoError(t, conn.ReadJSON(&resp))

	assert.Equal(t, types.StatusOK, resp.Status)
	assert.Equal(t, msg.Message, resp.Message)
	assert.NotEmpty(t, resp.ServerTimestamp)

	require.Equal(t, 1, pub.count())
	pub.mu.Lock()
	qm := pub.published[0]
	pub.mu.Unlock()
	assert.Equal(t, "5", qm.RoomId, "routing room comes from the connection path")
	assert.Equal(t, msg.Username, qm.ChatMessage.Username)
	assert.NotZero(t, qm.ReceivedTimestamp)
}

func TestChatServerAcceptsEscapedMaxLengthMessage(t *testing.T) {
	pub := &fakePublisher{}
	cs, _ := newTestServer(t, pub)
	conn := dialTestServer(t, cs, "/chat/5")

	// 500 characters, each arriving as an escaped surrogate pair (12 bytes)
	escaped := strings.Repeat(`\ud83d\ude00`, 500)
	frame := `{"userId":42,"username":"user42","message":"` + escaped +
		`","timestamp":"2026-08-24T10:00:00Z","messageType":"TEXT","roomId":5}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	var resp types.ChatResponse
	require.NoError(t, conn.ReadJSON(&resp), "a max-length message must not hit the read limit")
	assert.Equal(t, types.StatusOK, resp.Status)
	require.Equal(t, 1, pub.count())
}

func TestChatServerRejectsMalformedJson(t *testing.T) {
	pub := &fakePublisher{}
	cs, sp := newTestServer(t, pub)
	conn := dialTestServer(t, cs, "/chat/5")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var resp types.ErrorResponse
	require.NoError(t, conn.ReadJSON(&resp))

	assert.Equal(t, types.ErrKindParse, resp.Error)
	assert.Equal(t, "Invalid JSON format", resp.Message)
	assert.Zero(t, pub.count(), "malformed frames never reach the broker")
	assert.Equal(t, int64(1), sp.Value(stats.ParseErrors))
}

func TestChatServerRejectsInvalidMessage(t *testing.T) {
	pub := &fakePublisher{}
	cs, sp := newTestServer(t, pub)
	conn := dialTestServer(t, cs, "/chat/5")

	msg := validMessage()
	msg.Username = "ab"
	require.NoError(t, conn.WriteJSON(msg))

	var resp types.ErrorResponse
	require.NoError(t, conn.ReadJSON(&resp))

	assert.Equal(t, types.ErrKindValidation, resp.Error)
	assert.Equal(t, "username must be 3-20 alphanumeric characters", resp.Message)
	assert.Zero(t, pub.count())
	assert.Equal(t, int64(1), sp.Value(stats.ValidationErrors))
}

func TestChatServerReportsQueueFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	cs, _ := newTestServer(t, pub)
	conn := dialTestServer(t, cs, "/chat/5")

	require.NoError(t, conn.WriteJSON(validMessage()))

	var resp types.ErrorResponse
	require.NoError(t, conn.ReadJSON(&resp))

	assert.Equal(t, types.ErrKindQueue, resp.Error)
	assert.Equal(t, "Failed to queue message", resp.Message)
}

func TestChatServerClosesOnRoomMismatch(t *testing.T) {
	pub := &fakePublisher{}
	cs, _ := newTestServer(t, pub)
	conn := dialTestServer(t, cs, "/chat/5")

	msg := validMessage()
	msg.RoomId = 6
	require.NoError(t, conn.WriteJSON(msg))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, closeInvalidRoom),
		"mismatched payload room must close with code %d, got %v", closeInvalidRoom, err)
	assert.Zero(t, pub.count())
}

func TestChatServerClosesOnInvalidRoomPath(t *testing.T) {
	tests := []string{"/chat/0", "/chat/21", "/chat/abc"}

	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			cs, _ := newTestServer(t, &fakePublisher{})
			conn := dialTestServer(t, cs, path)

			_, _, err := conn.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, closeInvalidRoom),
				"invalid room must close with code %d, got %v", closeInvalidRoom, err)
		})
	}
}

func TestBroadcastReachesOnlyRoomMembers(t *testing.T) {
	cs, _ := newTestServer(t, &fakePublisher{})

	inRoom := NewClient("a", "3", nil, cs, testutil.TestLogger(t))
	alsoInRoom := NewClient("b", "3", nil, cs, testutil.TestLogger(t))
	otherRoom := NewClient("c", "4", nil, cs, testutil.TestLogger(t))
	cs.register(inRoom)
	cs.register(alsoInRoom)
	cs.register(otherRoom)

	payload := []byte(`{"message":"hi"}`)
	delivered := cs.Broadcast("3", payload)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, payload, <-inRoom.send)
	assert.Equal(t, payload, <-alsoInRoom.send)
	assert.Empty(t, otherRoom.send, "members of other rooms must not receive the payload")
}

func TestBroadcastSkipsSaturatedClients(t *testing.T) {
	cs, _ := newTestServer(t, &fakePublisher{})

	slow := NewClient("slow", "3", nil, cs, testutil.TestLogger(t))
	cs.register(slow)
	for i := 0; i < cap(slow.send); i++ {
		require.True(t, slow.queueMessage([]byte("fill")))
	}

	delivered := cs.Broadcast("3", []byte("overflow"))
	assert.Zero(t, delivered, "a saturated member is skipped, not waited on")
}

func TestDeregisterRemovesMembership(t *testing.T) {
	cs, sp := newTestServer(t, &fakePublisher{})

	c := NewClient("a", "7", nil, cs, testutil.TestLogger(t))
	cs.register(c)
	require.Equal(t, 1, cs.RoomSize("7"))
	require.Equal(t, 1, cs.ConnectionCount())
	require.Equal(t, int64(1), sp.Value(stats.ActiveConnections))

	cs.deregister(c)
	assert.Zero(t, cs.RoomSize("7"))
	assert.Zero(t, cs.ConnectionCount())
	assert.Equal(t, int64(0), sp.Value(stats.ActiveConnections))

	// deregistering twice must not drive the gauge negative
	cs.deregister(c)
	assert.Equal(t, int64(0), sp.Value(stats.ActiveConnections))
}

func TestShutdownJoinsClientPumps(t *testing.T) {
	cs, _ := newTestServer(t, &fakePublisher{})
	conn := dialTestServer(t, cs, "/chat/5")

	require.Eventually(t, func() bool { return cs.ConnectionCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		cs.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return within its bound")
	}

	// both pumps have exited: the socket is closed and membership is gone
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "shutdown must close the connection")
	assert.Zero(t, cs.ConnectionCount())
	assert.Zero(t, cs.RoomSize("5"))
}

func TestBroadcastPayloadRoundtrip(t *testing.T) {
	cs, _ := newTestServer(t, &fakePublisher{})

	member := NewClient("a", "2", nil, cs, testutil.TestLogger(t))
	cs.register(member)

	bm := types.NewBroadcastMessage(types.NewQueuedMessage(validMessage(), "2"))
	payload, err := json.Marshal(bm)
	require.NoError(t, err)

	cs.Broadcast("2", payload)

	var got types.BroadcastMessage
	require.NoError(t, json.Unmarshal(<-member.send, &got))
	assert.Equal(t, bm, got)
}
