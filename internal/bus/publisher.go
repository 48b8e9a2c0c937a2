package bus

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatflow-io/chatflow/internal/stats"
)

const (
	publishQueueSize = 10000
	maxBatchSize     = 100
	batchPollTimeout = 10 * time.Millisecond
	offerTimeout     = 100 * time.Millisecond
	retryDelay       = 100 * time.Millisecond
)

type publishTask struct {
	channel string
	payload string
}

// Publisher decouples bus publishes from consumer workers through a single
// bounded hand-off queue drained by one goroutine. Publishes are pipelined in
// batches of up to maxBatchSize; a failed batch is retried until it lands,
// never dropped.
type Publisher struct {
	log   *log.Logger
	stats stats.StatsProvider

	tasks chan publishTask
	stop  chan struct{}
	done  chan struct{}

	// flush executes one pipelined batch. Swappable in tests.
	flush       func(ctx context.Context, batch []publishTask) error
	pollTimeout time.Duration
	retryDelay  time.Duration
}

func NewPublisher(rdb *redis.Client, logger *log.Logger, sp stats.StatsProvider) *Publisher {
	p := &Publisher{
		log:         logger,
		stats:       sp,
		tasks:       make(chan publishTask, publishQueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		pollTimeout: batchPollTimeout,
		retryDelay:  retryDelay,
	}

	p.flush = func(ctx context.Context, batch []publishTask) error {
		pipe := rdb.Pipeline()
		for _, t := range batch {
			pipe.Publish(ctx, t.channel, t.payload)
		}
		_, err := pipe.Exec(ctx)
		return err
	}

	return p
}

func (p *Publisher) Start() {
	go p.run()
}

// Publish offers a payload for the room's channel, blocking up to the offer
// timeout when the hand-off queue is full. Returns false if the offer timed
// out; callers treat that as a publish failure.
func (p *Publisher) Publish(roomId, payload string) bool {
	t := publishTask{channel: ChannelName(roomId), payload: payload}

	select {
	case p.tasks <- t:
		return true
	default:
	}

	timer := time.NewTimer(offerTimeout)
	defer timer.Stop()

	select {
	case p.tasks <- t:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	batch := make([]publishTask, 0, maxBatchSize)
	for {
		batch = batch[:0]

		select {
		case t := <-p.tasks:
			batch = append(batch, t)
		case <-p.stop:
			p.drain(batch)
			return
		}

		timer := time.NewTimer(p.pollTimeout)
	fill:
		for len(batch) < maxBatchSize {
			select {
			case t := <-p.tasks:
				batch = append(batch, t)
			case <-timer.C:
				break fill
			}
		}
		timer.Stop()

		p.flushBatch(batch)
	}
}

// drain empties the hand-off queue after stop so accepted payloads still
// reach the bus.
func (p *Publisher) drain(batch []publishTask) {
	for {
		select {
		case t := <-p.tasks:
			batch = append(batch, t)
			if len(batch) >= maxBatchSize {
				p.flushBatch(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flushBatch(batch)
			}
			return
		}
	}
}

func (p *Publisher) flushBatch(batch []publishTask) {
	if len(batch) == 0 {
		return
	}

	for {
		err := p.flush(context.Background(), batch)
		if err == nil {
			p.stats.Add(stats.BusPublished, len(batch))
			return
		}

		p.log.Println("bus publish batch:", err)
		time.Sleep(p.retryDelay)
	}
}

// Stop halts the drain loop after flushing everything already accepted.
func (p *Publisher) Stop() {
	close(p.stop)

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.log.Println("bus publisher did not stop in time")
	}
}
