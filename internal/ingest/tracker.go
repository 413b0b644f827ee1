package ingest

import (
	"sync"

	"klinekeeper/internal/market"
)

// CandleTracker 缓存每个品种正在形成的 K 线，只有收盘后的 K 线才会交给持久化。
type CandleTracker struct {
	mu        sync.Mutex
	open      map[market.Instrument]market.Candle
	lastFinal map[market.Instrument]int64
	anchors   map[market.Instrument]int64
}

func NewCandleTracker() *CandleTracker {
	return &CandleTracker{
		open:      make(map[market.Instrument]market.Candle),
		lastFinal: make(map[market.Instrument]int64),
		anchors:   make(map[market.Instrument]int64),
	}
}

// Observe folds one live update in and returns the candles it closed, oldest
// first. A newer open time closes the cached candle; a final update closes itself.
func (t *CandleTracker) Observe(ev market.CandleEvent) []market.Candle {
	inst := ev.Instrument
	c := ev.Candle
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.anchors[inst]; !ok {
		t.anchors[inst] = c.OpenTime
	}
	if last, ok := t.lastFinal[inst]; ok && c.OpenTime <= last {
		return nil
	}
	cur, hasCur := t.open[inst]
	if hasCur && c.OpenTime < cur.OpenTime {
		return nil
	}
	var closed []market.Candle
	if hasCur && c.OpenTime > cur.OpenTime {
		closed = append(closed, cur)
		t.lastFinal[inst] = cur.OpenTime
		delete(t.open, inst)
	}
	if ev.Final {
		closed = append(closed, c)
		t.lastFinal[inst] = c.OpenTime
		delete(t.open, inst)
		return closed
	}
	t.open[inst] = c
	return closed
}

// Anchor is the open time of the first live candle seen for inst.
func (t *CandleTracker) Anchor(inst market.Instrument) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.anchors[inst]
	return ts, ok
}

// Pending returns the candle still forming for inst.
func (t *CandleTracker) Pending(inst market.Instrument) (market.Candle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.open[inst]
	return c, ok
}
