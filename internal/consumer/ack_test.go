package consumer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-io/chatflow/internal/testutil"
)

type ackCall struct {
	tag      uint64
	multiple bool
	nack     bool
}

type fakeAcker struct {
	calls   []ackCall
	ackErr  error
	nackErr error
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.calls = append(f.calls, ackCall{tag: tag, multiple: multiple})
	return f.ackErr
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.calls = append(f.calls, ackCall{tag: tag, multiple: multiple, nack: true})
	if requeue {
		panic("rejected deliveries must dead-letter, not requeue")
	}
	return f.nackErr
}

func TestAckTrackerBatchesMultiAcks(t *testing.T) {
	ch := &fakeAcker{}
	tracker := newAckTracker(ch, testutil.TestLogger(t))

	for tag := uint64(1); tag < ackBatchSize; tag++ {
		require.NoError(t, tracker.track(tag))
		assert.Empty(t, ch.calls, "no ack before a full batch")
	}

	require.NoError(t, tracker.track(uint64(ackBatchSize)))
	require.Len(t, ch.calls, 1)
	assert.Equal(t, ackCall{tag: ackBatchSize, multiple: true}, ch.calls[0])

	// a second batch starts from a clean slate
	for tag := uint64(ackBatchSize + 1); tag <= 2*ackBatchSize; tag++ {
		require.NoError(t, tracker.track(tag))
	}
	require.Len(t, ch.calls, 2)
	assert.Equal(t, ackCall{tag: 2 * ackBatchSize, multiple: true}, ch.calls[1])
}

func TestAckTrackerFlushPartialBatch(t *testing.T) {
	ch := &fakeAcker{}
	tracker := newAckTracker(ch, testutil.TestLogger(t))

	require.NoError(t, tracker.track(3))
	require.NoError(t, tracker.track(7))
	require.NoError(t, tracker.flush())

	require.Len(t, ch.calls, 1)
	assert.Equal(t, ackCall{tag: 7, multiple: true}, ch.calls[0])

	// flushing again with nothing pending must not re-ack
	require.NoError(t, tracker.flush())
	assert.Len(t, ch.calls, 1)
}

func TestAckTrackerNackFlushesPendingFirst(t *testing.T) {
	ch := &fakeAcker{}
	tracker := newAckTracker(ch, testutil.TestLogger(t))

	require.NoError(t, tracker.track(1))
	require.NoError(t, tracker.track(2))
	require.NoError(t, tracker.nack(3))

	require.Len(t, ch.calls, 2)
	assert.Equal(t, ackCall{tag: 2, multiple: true}, ch.calls[0], "pending batch flushed before the nack")
	assert.Equal(t, ackCall{tag: 3, nack: true}, ch.calls[1])
}

func TestAckTrackerNackWithoutPending(t *testing.T) {
	ch := &fakeAcker{}
	tracker := newAckTracker(ch, testutil.TestLogger(t))

	require.NoError(t, tracker.nack(9))
	require.Len(t, ch.calls, 1)
	assert.Equal(t, ackCall{tag: 9, nack: true}, ch.calls[0])
}

func TestAckTrackerFlushErrorPropagates(t *testing.T) {
	ch := &fakeAcker{ackErr: errors.New("channel closed")}
	tracker := newAckTracker(ch, testutil.TestLogger(t))

	require.NoError(t, tracker.track(1))
	assert.Error(t, tracker.flush())
}
