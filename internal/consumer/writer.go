package consumer

import (
	"log"
	"sync"
	"time"

	"github.com/chatflow-io/chatflow/internal/database"
	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/types"
)

const (
	writerQueueSize    = 50000
	enqueueTimeout     = 100 * time.Millisecond
	slowBatchThreshold = time.Second
	drainGrace         = 60 * time.Second
)

// Writer accumulates messages into batches and writes them through the
// repository from a fixed set of writer goroutines. The hand-off queue is
// bounded; when it is full the offer is refused and the message is dropped,
// which keeps the broker side of the pipeline moving.
type Writer struct {
	log   *log.Logger
	stats stats.StatsProvider
	repo  database.MessageRepository

	batchSize     int
	flushInterval time.Duration
	numWriters    int

	queue chan types.QueuedMessage
	stop  chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewWriter(repo database.MessageRepository, batchSize int, flushInterval time.Duration, numWriters int, logger *log.Logger, sp stats.StatsProvider) *Writer {
	return &Writer{
		log:           logger,
		stats:         sp,
		repo:          repo,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		numWriters:    numWriters,
		queue:         make(chan types.QueuedMessage, writerQueueSize),
		stop:          make(chan struct{}),
	}
}

func (w *Writer) Start() {
	for i := 0; i < w.numWriters; i++ {
		w.wg.Add(1)
		go w.runWriter(i)
	}
	w.log.Printf("started %d db writers (batch %d, flush %s)", w.numWriters, w.batchSize, w.flushInterval)
}

// Enqueue offers a message for persistence, blocking up to the offer timeout
// when the queue is full. Returns false once the timeout elapses; the message
// is dropped and counted.
func (w *Writer) Enqueue(qm types.QueuedMessage) bool {
	select {
	case w.queue <- qm:
		w.stats.Incr(stats.DBQueued)
		return true
	default:
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case w.queue <- qm:
		w.stats.Incr(stats.DBQueued)
		return true
	case <-timer.C:
		w.stats.Incr(stats.DBDropped)
		return false
	}
}

// QueueDepth returns the number of messages awaiting a writer.
func (w *Writer) QueueDepth() int {
	return len(w.queue)
}

func (w *Writer) runWriter(id int) {
	defer w.wg.Done()

	batch := make([]types.QueuedMessage, 0, w.batchSize)
	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.flushInterval)
	}

	for {
		select {
		case qm := <-w.queue:
			batch = append(batch, qm)
			if len(batch) >= w.batchSize {
				w.writeBatch(id, batch)
				batch = batch[:0]
				resetTimer()
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.writeBatch(id, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushInterval)
		case <-w.stop:
			w.drain(id, batch)
			return
		}
	}
}

// drain empties the queue after stop so accepted messages still land, bounded
// by the shutdown grace period.
func (w *Writer) drain(id int, batch []types.QueuedMessage) {
	deadline := time.Now().Add(drainGrace)

	for {
		if time.Now().After(deadline) {
			w.log.Printf("writer %d: drain grace expired with %d messages queued", id, len(w.queue))
			break
		}

		select {
		case qm := <-w.queue:
			batch = append(batch, qm)
			if len(batch) >= w.batchSize {
				w.writeBatch(id, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				w.writeBatch(id, batch)
			}
			return
		}
	}

	if len(batch) > 0 {
		w.writeBatch(id, batch)
	}
}

func (w *Writer) writeBatch(id int, batch []types.QueuedMessage) {
	start := time.Now()

	n, err := w.repo.BatchInsert(batch)
	if err != nil {
		// broker already acked these; log and move on
		w.stats.Incr(stats.DBBatchFailures)
		w.log.Printf("writer %d: batch of %d failed: %v", id, len(batch), err)
		return
	}

	w.stats.Add(stats.DBWritten, n)
	if elapsed := time.Since(start); elapsed > slowBatchThreshold {
		w.log.Printf("writer %d: slow batch: %d rows in %s", id, len(batch), elapsed)
	}
}

// Stop halts the writers after a final drain of everything already accepted.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}
