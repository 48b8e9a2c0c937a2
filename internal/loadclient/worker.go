package loadclient

import (
	"log"
	"time"

	"github.com/chatflow-io/chatflow/internal/types"
)

const (
	maxAttempts           = 5
	baseBackoff           = 100 * time.Millisecond
	breakerPause          = 100 * time.Millisecond
	backpressureThreshold = 5000
	backpressurePause     = 10 * time.Millisecond
	responseTimeout       = 15 * time.Second
)

// Worker drains the generator queue and drives the send/await loop for each
// message. Attempts are gated by the shared circuit breaker; a message is
// counted as failed only once, after its final attempt.
type Worker struct {
	id      int
	log     *log.Logger
	pool    *Pool
	breaker *CircuitBreaker
	metrics *Metrics

	messages   <-chan types.ChatMessage
	queueDepth func() int
}

func NewWorker(id int, pool *Pool, breaker *CircuitBreaker, metrics *Metrics, gen *Generator, logger *log.Logger) *Worker {
	return &Worker{
		id:         id,
		log:        logger,
		pool:       pool,
		breaker:    breaker,
		metrics:    metrics,
		messages:   gen.Messages(),
		queueDepth: gen.QueueDepth,
	}
}

// Run processes messages until the generator queue is closed and drained.
func (w *Worker) Run() {
	for msg := range w.messages {
		if w.queueDepth() > backpressureThreshold {
			time.Sleep(backpressurePause)
		}
		w.sendWithRetry(msg)
	}
}

func (w *Worker) sendWithRetry(msg types.ChatMessage) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		for !w.breaker.AllowRequest() {
			time.Sleep(breakerPause)
		}

		if w.attempt(msg) {
			w.breaker.RecordSuccess()
			return
		}
		w.breaker.RecordFailure()

		if attempt < maxAttempts {
			time.Sleep(backoffDelay(attempt))
		}
	}

	w.metrics.RecordFailure()
	w.log.Printf("worker %d: message for room %d failed after %d attempts", w.id, msg.RoomId, maxAttempts)
}

// attempt sends the message once over a pooled socket and waits for the
// acceptance envelope. A timed-out or faulted socket is closed, never
// returned to the pool.
func (w *Worker) attempt(msg types.ChatMessage) bool {
	pc, err := w.pool.Get(msg.RoomId)
	if err != nil {
		w.metrics.RecordReconnect()
		w.log.Printf("worker %d: connect room %d: %v", w.id, msg.RoomId, err)
		return false
	}

	start := time.Now()
	if err := pc.Send(msg); err != nil {
		w.pool.Discard(pc)
		return false
	}

	if _, err := pc.AwaitResponse(responseTimeout); err != nil {
		w.pool.Discard(pc)
		return false
	}

	w.metrics.RecordSuccess(time.Since(start))
	w.pool.Put(pc)
	return true
}

// backoffDelay returns the wait before retrying: 100, 200, 400, 800, 1600 ms.
func backoffDelay(attempt int) time.Duration {
	return baseBackoff * (1 << (attempt - 1))
}
