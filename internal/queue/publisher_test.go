package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/testutil"
	"github.com/chatflow-io/chatflow/internal/types"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	publishEr error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.publishEr != nil {
		return f.publishEr
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestPublisher(t *testing.T, newCh func() (publishChannel, error)) (*Publisher, *stats.MockStatsProvider) {
	sp := stats.NewMockStatsProvider()
	p := &Publisher{
		log:        testutil.TestLogger(t),
		stats:      sp,
		newChannel: newCh,
		idle:       make(chan publishChannel, 4),
	}
	return p, sp
}

func testMessage() types.QueuedMessage {
	return types.NewQueuedMessage(types.ChatMessage{
		UserId:      1,
		Username:    "abc",
		Message:     "hi",
		Timestamp:   "2025-01-01T00:00:00Z",
		MessageType: types.MessageTypeText,
		RoomId:      7,
	}, "7")
}

func TestPublishRoutesByRoom(t *testing.T) {
	ch := &fakeChannel{}
	p, sp := newTestPublisher(t, func() (publishChannel, error) { return ch, nil })

	err := p.Publish(context.Background(), testMessage())
	require.NoError(t, err)

	require.Len(t, ch.keys, 1)
	assert.Equal(t, "7", ch.keys[0], "routing key must be the room id")
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, uint8(amqp.Persistent), ch.published[0].DeliveryMode, "messages must be persistent")
	assert.Equal(t, int64(1), sp.Value(stats.MessagesAccepted))

	var qm types.QueuedMessage
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &qm))
	assert.Equal(t, "7", qm.RoomId)
	assert.Equal(t, "abc", qm.ChatMessage.Username)
}

func TestPublishReusesChannel(t *testing.T) {
	ch := &fakeChannel{}
	created := 0
	p, _ := newTestPublisher(t, func() (publishChannel, error) {
		created++
		return ch, nil
	})

	require.NoError(t, p.Publish(context.Background(), testMessage()))
	require.NoError(t, p.Publish(context.Background(), testMessage()))

	assert.Equal(t, 1, created, "second publish should reuse the pooled channel")
	assert.Len(t, ch.published, 2)
}

func TestPublishDiscardsFaultedChannel(t *testing.T) {
	bad := &fakeChannel{publishEr: errors.New("channel fault")}
	good := &fakeChannel{}
	channels := []*fakeChannel{bad, good}
	created := 0
	p, sp := newTestPublisher(t, func() (publishChannel, error) {
		ch := channels[created]
		created++
		return ch, nil
	})

	err := p.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, bad.closed, "faulted channel must be discarded")
	assert.Equal(t, int64(1), sp.Value(stats.QueueErrors))

	// next publish lazily creates a fresh channel
	require.NoError(t, p.Publish(context.Background(), testMessage()))
	assert.Equal(t, 2, created)
	assert.Len(t, good.published, 1)
}

func TestCloseDrainsIdleChannels(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPublisher(t, func() (publishChannel, error) { return ch, nil })

	require.NoError(t, p.Publish(context.Background(), testMessage()))
	p.Close()

	assert.True(t, ch.closed, "idle channels must be closed on shutdown")
}

func TestRoomQueueNames(t *testing.T) {
	assert.Equal(t, "chat.room.7", RoomQueueName(7))
	assert.Equal(t, "7", RoomRoutingKey(7))
	assert.Equal(t, "chat.room.20", RoomQueueName(20))
}
