package bandit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-resilience/log"
)

// TrajectoryFeedback is the delayed quality signal produced once a routed
// request's full multi-step execution completes. Sub-scores are in [0,1].
type TrajectoryFeedback struct {
	TrajectoryID  string
	ModelID       string
	Accuracy      float64
	Efficiency    float64
	ErrorHandling float64
	Success       bool
	Reasoning     string
}

// ErrQueueFull indicates the bounded feedback queue rejected a producer.
var ErrQueueFull = errors.New("bandit: feedback queue is full")

// FeedbackQueue is the bounded producer side of the trajectory feedback loop.
type FeedbackQueue struct {
	ch chan TrajectoryFeedback
}

const defaultQueueCapacity = 1024

// NewFeedbackQueue creates a queue with the given capacity (or the default
// for non-positive values).
func NewFeedbackQueue(capacity int) *FeedbackQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	return &FeedbackQueue{ch: make(chan TrajectoryFeedback, capacity)}
}

// Enqueue adds feedback without blocking. Returns ErrQueueFull when the
// consumer has fallen behind.
func (q *FeedbackQueue) Enqueue(fb TrajectoryFeedback) error {
	select {
	case q.ch <- fb:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued items.
func (q *FeedbackQueue) Len() int { return len(q.ch) }

// HistoryLookup resolves a trajectory id to the originating routing
// decision's arm and context vector. The second return is false when the
// decision is unknown (e.g. evicted from the routing history).
type HistoryLookup func(trajectoryID string) (armID string, contextVec []float64, ok bool)

// ConsumerStats counts feedback batch outcomes.
type ConsumerStats struct {
	Processed int64
	Dropped   int64
}

// Consumer drains the feedback queue in bounded batches and feeds matched
// items into the bandit. Unmatched feedback is dropped and counted, never
// surfaced; a faulty item cannot halt the loop.
type Consumer struct {
	queue     *FeedbackQueue
	bandit    *ThompsonBandit
	lookup    HistoryLookup
	batchSize int
	interval  time.Duration
	logger    log.Logger

	processed atomic.Int64
	dropped   atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const (
	defaultBatchSize     = 32
	defaultDrainInterval = 500 * time.Millisecond
)

// NewConsumer wires a feedback consumer. Zero batchSize/interval select
// defaults.
func NewConsumer(queue *FeedbackQueue, bandit *ThompsonBandit, lookup HistoryLookup, batchSize int, interval time.Duration, logger log.Logger) *Consumer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	if interval <= 0 {
		interval = defaultDrainInterval
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Consumer{
		queue:     queue,
		bandit:    bandit,
		lookup:    lookup,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the drain loop in a separate goroutine.
func (c *Consumer) Start() {
	c.wg.Add(1)

	go c.drainLoop()

	c.logger.Log(context.Background(), log.LevelInfo, "feedback consumer started",
		log.Int("batch_size", c.batchSize), log.Duration("interval", c.interval))
}

// Stop drains once more, then stops the loop and waits for it to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
	c.logger.Log(context.Background(), log.LevelInfo, "feedback consumer stopped")
}

// Stats returns cumulative batch counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed: c.processed.Load(),
		Dropped:   c.dropped.Load(),
	}
}

func (c *Consumer) drainLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.drainBatch()
		case <-c.stopChan:
			// Final drain so feedback enqueued just before shutdown still lands.
			c.drainBatch()

			return
		}
	}
}

// drainBatch consumes up to batchSize items. Internal errors are logged and
// never propagate out of the loop.
func (c *Consumer) drainBatch() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Log(context.Background(), log.LevelError, "feedback batch panicked",
				log.Any("panic", r))
		}
	}()

	for range c.batchSize {
		select {
		case fb := <-c.queue.ch:
			c.consume(fb)
		default:
			return
		}
	}
}

func (c *Consumer) consume(fb TrajectoryFeedback) {
	armID, contextVec, ok := c.lookup(fb.TrajectoryID)
	if !ok {
		c.dropped.Add(1)
		c.logger.Log(context.Background(), log.LevelDebug, "trajectory feedback has no matching routing entry",
			log.String("trajectory_id", fb.TrajectoryID), log.String("model", fb.ModelID))

		return
	}

	immediate := 0.0
	if fb.Success {
		immediate = 1.0
	}

	if err := c.bandit.Update(armID, contextVec, immediate, &fb); err != nil {
		c.dropped.Add(1)
		c.logger.Log(context.Background(), log.LevelWarn, "feedback update failed",
			log.String("trajectory_id", fb.TrajectoryID), log.Err(err))

		return
	}

	c.processed.Add(1)
}
