package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"

	"github.com/sirupsen/logrus"
)

// Enqueuer is the producer side of the persistence queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, batch []market.Candle) error
}

type QueueConfig struct {
	// Capacity counts batches, not candles.
	Capacity     int
	WriteTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

type QueueStats struct {
	Capacity  int    `json:"capacity"`
	Depth     int    `json:"depth"`
	// Pending counts batches handed to Enqueue that are not yet written or dropped.
	Pending   int64  `json:"pending"`
	Enqueued  int64  `json:"enqueued"`
	Written   int64  `json:"written"`
	Dropped   int64  `json:"dropped"`
	Batches   int64  `json:"batches"`
	Closed    bool   `json:"closed"`
	LastError string `json:"last_error,omitempty"`
}

// Queue is the bounded persistence queue. Producers block while it is full; a
// single consumer upserts batches in FIFO order.
type Queue struct {
	repo market.Repository
	cfg  QueueConfig
	log  *logrus.Entry

	batches  chan []market.Candle
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool

	mu     sync.RWMutex
	closed bool

	enqueued atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
	flushed  atomic.Int64
	pending  atomic.Int64

	errMu   sync.Mutex
	lastErr string
}

func NewQueue(repo market.Repository, cfg QueueConfig) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		repo:     repo,
		cfg:      cfg,
		log:      logger.WithComponent("queue"),
		batches:  make(chan []market.Candle, cfg.Capacity),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue blocks until the batch fits, ctx ends or shutdown begins. A batch that
// was accepted is always handed to the repository, even during shutdown.
func (q *Queue) Enqueue(ctx context.Context, batch []market.Candle) error {
	if len(batch) == 0 {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return market.ErrQueueClosed
	}
	select {
	case <-q.stopping:
		return market.ErrQueueClosed
	default:
	}
	q.pending.Add(1)
	select {
	case q.batches <- batch:
		q.enqueued.Add(int64(len(batch)))
		return nil
	case <-q.stopping:
		q.pending.Add(-1)
		return market.ErrQueueClosed
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	}
}

// Run consumes batches until Shutdown closes the queue. Writes are detached
// from ctx cancellation so accepted batches still land during shutdown.
func (q *Queue) Run(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	defer close(q.done)
	for batch := range q.batches {
		q.write(ctx, batch)
		q.pending.Add(-1)
	}
	q.log.Infof("queue drained: written=%d dropped=%d", q.written.Load(), q.dropped.Load())
}

func (q *Queue) write(ctx context.Context, batch []market.Candle) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.WriteTimeout)
	defer cancel()
	stored, err := q.repo.InsertMany(wctx, batch)
	if err != nil {
		serr := &market.StorageError{Op: "insert_many", Count: len(batch), Err: err}
		q.dropped.Add(int64(len(batch)))
		q.errMu.Lock()
		q.lastErr = serr.Error()
		q.errMu.Unlock()
		q.log.WithFields(logrus.Fields{
			"instrument": batch[0].Instrument().String(),
			"first":      batch[0].OpenTime,
			"last":       batch[len(batch)-1].OpenTime,
		}).Errorf("drop batch: %v", serr)
		return
	}
	q.written.Add(int64(len(stored)))
	q.flushed.Add(1)
}

// Shutdown stops accepting batches, waits for producers blocked in Enqueue to
// give up, then waits until every accepted batch is written or ctx ends.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() {
		close(q.stopping)
		q.mu.Lock()
		q.closed = true
		close(q.batches)
		q.mu.Unlock()
	})
	if !q.started.Load() {
		// nobody consumes; drain here
		q.Run(ctx)
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle reports whether no batch is waiting in Enqueue or for the repository.
func (q *Queue) Idle() bool { return q.pending.Load() == 0 }

func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	q.errMu.Lock()
	lastErr := q.lastErr
	q.errMu.Unlock()
	return QueueStats{
		Capacity:  q.cfg.Capacity,
		Depth:     len(q.batches),
		Pending:   q.pending.Load(),
		Enqueued:  q.enqueued.Load(),
		Written:   q.written.Load(),
		Dropped:   q.dropped.Load(),
		Batches:   q.flushed.Load(),
		Closed:    closed,
		LastError: lastErr,
	}
}
