package consumer

import (
	"fmt"
	"log"
)

// ackBatchSize is the number of deliveries batched into one multi-ack.
const ackBatchSize = 100

// acker is the slice of amqp.Channel the tracker needs. Factored out so
// tests can substitute a fake.
type acker interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// ackTracker batches delivery acks into multi-acks up to the highest tag
// seen. Tags on a channel are monotonically increasing, so a single multi-ack
// settles everything tracked so far. Not safe for concurrent use; each worker
// owns one tracker on its own channel.
type ackTracker struct {
	ch  acker
	log *log.Logger

	pending int
	highest uint64
}

func newAckTracker(ch acker, logger *log.Logger) *ackTracker {
	return &ackTracker{ch: ch, log: logger}
}

// track records a successfully processed delivery and flushes once a full
// batch has accumulated.
func (a *ackTracker) track(tag uint64) error {
	a.pending++
	if tag > a.highest {
		a.highest = tag
	}

	if a.pending >= ackBatchSize {
		return a.flush()
	}
	return nil
}

// flush multi-acks every tracked delivery up to the highest tag.
func (a *ackTracker) flush() error {
	if a.pending == 0 {
		return nil
	}

	if err := a.ch.Ack(a.highest, true); err != nil {
		return fmt.Errorf("multi-ack up to %d: %w", a.highest, err)
	}

	a.pending = 0
	return nil
}

// nack rejects a delivery without requeue, dead-lettering it. The pending
// batch is flushed first so the multi-ack can never settle the rejected tag.
func (a *ackTracker) nack(tag uint64) error {
	if err := a.flush(); err != nil {
		a.log.Println("flush before nack:", err)
	}

	if err := a.ch.Nack(tag, false, false); err != nil {
		return fmt.Errorf("nack %d: %w", tag, err)
	}
	return nil
}
