package ingest

import (
	"context"
	"sync"

	"klinekeeper/internal/market"
)

// Batcher groups closed live candles before they hit the queue.
type Batcher struct {
	queue Enqueuer
	size  int

	mu  sync.Mutex
	buf []market.Candle
}

func NewBatcher(queue Enqueuer, size int) *Batcher {
	if size <= 0 {
		size = 100
	}
	return &Batcher{queue: queue, size: size}
}

// Add buffers candles and flushes once the batch size is reached.
func (b *Batcher) Add(ctx context.Context, candles ...market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	b.mu.Lock()
	b.buf = append(b.buf, candles...)
	full := len(b.buf) >= b.size
	b.mu.Unlock()
	if !full {
		return nil
	}
	return b.Flush(ctx)
}

// Flush hands whatever is buffered to the queue. On error the candles are put
// back so a later flush can retry them.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := b.queue.Enqueue(ctx, batch); err != nil {
		b.mu.Lock()
		b.buf = append(batch, b.buf...)
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
