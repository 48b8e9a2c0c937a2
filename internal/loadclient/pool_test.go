package loadclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-io/chatflow/internal/testutil"
	"github.com/chatflow-io/chatflow/internal/types"
)

func idlePooledConn(roomId int) *PooledConn {
	pc := &PooledConn{roomId: roomId, responses: make(chan []byte, responseBuffer)}
	pc.healthy.Store(true)
	return pc
}

func TestPoolReusesIdleHealthyConn(t *testing.T) {
	p := NewPool("ws://unreachable.invalid", 20, testutil.TestLogger(t))

	pc := idlePooledConn(3)
	p.idle[3] <- pc

	got, err := p.Get(3)
	require.NoError(t, err)
	assert.Same(t, pc, got)
}

func TestPoolPutRefusesUnhealthyConn(t *testing.T) {
	p := NewPool("ws://unreachable.invalid", 20, testutil.TestLogger(t))

	pc := idlePooledConn(3)
	pc.markUnhealthy()
	p.Put(pc)

	assert.Empty(t, p.idle[3], "an unhealthy socket is closed, not pooled")
}

func TestPoolPutRefusesWhenRoomFull(t *testing.T) {
	p := NewPool("ws://unreachable.invalid", 20, testutil.TestLogger(t))

	for i := 0; i < maxConnsPerRoom; i++ {
		p.Put(idlePooledConn(5))
	}
	require.Len(t, p.idle[5], maxConnsPerRoom)

	extra := idlePooledConn(5)
	p.Put(extra)

	assert.Len(t, p.idle[5], maxConnsPerRoom, "the room pool is bounded")
	assert.False(t, extra.Healthy(), "the overflow socket is closed")
}

func TestPoolDialsAgainstLiveServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/{room}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var msg types.ChatMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.WriteJSON(types.ChatResponse{Status: types.StatusOK, Username: msg.Username})
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewPool("ws"+strings.TrimPrefix(srv.URL, "http"), 20, testutil.TestLogger(t))
	defer p.Close()

	pc, err := p.Get(7)
	require.NoError(t, err)
	require.True(t, pc.Healthy())

	require.NoError(t, pc.Send(types.ChatMessage{Username: "user1", RoomId: 7}))
	resp, err := pc.AwaitResponse(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, resp.Status)
	assert.Equal(t, "user1", resp.Username)

	p.Put(pc)
	again, err := p.Get(7)
	require.NoError(t, err)
	assert.Same(t, pc, again, "the returned socket is reused")
}

func TestAwaitResponseSkipsBroadcasts(t *testing.T) {
	pc := idlePooledConn(1)

	pc.responses <- []byte(`{"userId":9,"username":"user9","message":"hi","roomId":"1","serverTimestamp":123}`)
	pc.responses <- []byte(`{"status":"OK","username":"user1"}`)

	resp, err := pc.AwaitResponse(time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, resp.Status, "broadcast frames are skipped while awaiting the envelope")
}

func TestAwaitResponseSurfacesServerError(t *testing.T) {
	pc := idlePooledConn(1)
	pc.responses <- []byte(`{"error":"VALIDATION_ERROR","message":"username must be 3-20 alphanumeric characters"}`)

	_, err := pc.AwaitResponse(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestAwaitResponseTimesOut(t *testing.T) {
	pc := idlePooledConn(1)

	_, err := pc.AwaitResponse(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrResponseTimeout)
}
