package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"klinekeeper/internal/market"
	"klinekeeper/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	btc1m = market.Instrument{Symbol: "BTCUSDT", Interval: "1m"}
	eth1m = market.Instrument{Symbol: "ETHUSDT", Interval: "1m"}
	sol5m = market.Instrument{Symbol: "SOLUSDT", Interval: "5m"}
)

const minute = int64(60_000)

func candleAt(inst market.Instrument, ts int64) market.Candle {
	one := decimal.NewFromInt(1)
	return market.Candle{
		Symbol: inst.Symbol, Interval: inst.Interval,
		OpenTime: ts, CloseTime: ts + inst.Interval.Millis() - 1,
		Open: one, High: one, Low: one, Close: one, Volume: one, QuoteVolume: one,
	}
}

func candlesBetween(inst market.Instrument, from, to int64) []market.Candle {
	var out []market.Candle
	for ts := from; ts <= to; ts += inst.Interval.Millis() {
		out = append(out, candleAt(inst, ts))
	}
	return out
}

func openTimes(candles []market.Candle) []int64 {
	out := make([]int64, 0, len(candles))
	for _, c := range candles {
		out = append(out, c.OpenTime)
	}
	return out
}

func storedTimes(t *testing.T, repo *store.MemoryRepository, inst market.Instrument) []int64 {
	t.Helper()
	all, err := repo.Range(context.Background(), inst, 0, 1<<62, 0)
	require.NoError(t, err)
	return openTimes(all)
}

// fakeHistory serves historical pages from a fixed set of open times.
type fakeHistory struct {
	mu        sync.Mutex
	available map[market.Instrument][]int64
	calls     map[market.Instrument][]market.Window
	failAt    map[int]error
	total     int
	onFetch   func(n int)
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		available: make(map[market.Instrument][]int64),
		calls:     make(map[market.Instrument][]market.Window),
		failAt:    make(map[int]error),
	}
}

func (h *fakeHistory) add(inst market.Instrument, from, to int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ts := from; ts <= to; ts += inst.Interval.Millis() {
		h.available[inst] = append(h.available[inst], ts)
	}
	sort.Slice(h.available[inst], func(i, j int) bool { return h.available[inst][i] < h.available[inst][j] })
}

func (h *fakeHistory) remove(inst market.Instrument, ts int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.available[inst]
	for i, v := range cur {
		if v == ts {
			h.available[inst] = append(cur[:i:i], cur[i+1:]...)
			return
		}
	}
}

func (h *fakeHistory) FetchHistorical(ctx context.Context, inst market.Instrument, start, end int64) ([]market.Candle, error) {
	h.mu.Lock()
	n := h.total
	h.total++
	h.calls[inst] = append(h.calls[inst], market.Window{Start: start, End: end})
	err := h.failAt[n]
	var out []market.Candle
	for _, ts := range h.available[inst] {
		if ts >= start && ts <= end {
			out = append(out, candleAt(inst, ts))
		}
	}
	onFetch := h.onFetch
	h.mu.Unlock()
	if onFetch != nil {
		onFetch(n)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *fakeHistory) windows(inst market.Instrument) []market.Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]market.Window(nil), h.calls[inst]...)
}

// syncQueue writes straight into the repository so later reads see the data.
// Like the real queue, an accepted batch is written even if ctx is cancelled.
type syncQueue struct {
	repo market.Repository
}

func (q syncQueue) Enqueue(ctx context.Context, batch []market.Candle) error {
	_, err := q.repo.InsertMany(context.WithoutCancel(ctx), batch)
	return err
}

type fakeConn struct {
	id     int
	msgs   chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	subs   []market.Instrument
	subErr error
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{
		id:     id,
		msgs:   make(chan []byte, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(ctx context.Context, inst market.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.subs = append(c.subs, inst)
	return nil
}

func (c *fakeConn) NextMessage(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.msgs:
		return p, nil
	case err := <-c.fail:
		return nil, &market.TransportError{Op: "read", Err: err}
	case <-c.closed:
		return nil, &market.TransportError{Op: "read", Err: errors.New("use of closed connection")}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) subscriptions() []market.Instrument {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]market.Instrument(nil), c.subs...)
}

func (c *fakeConn) waitSubs(t *testing.T, n int) []market.Instrument {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.subscriptions()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.subscriptions()
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) ConnectStream(ctx context.Context) (market.Connection, error) {
	d.mu.Lock()
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, &market.TransportError{Op: "dial", Err: errors.New("connection refused")}
	}
	c := newFakeConn(len(d.conns) + 1)
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

// fakeFeed decodes payloads of the form "SYMBOL INTERVAL OPEN_TS FINAL".
type fakeFeed struct {
	*fakeHistory
	*fakeDialer
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{fakeHistory: newFakeHistory(), fakeDialer: newFakeDialer()}
}

func livePayload(inst market.Instrument, ts int64, final bool) []byte {
	return []byte(fmt.Sprintf("%s %s %d %t", inst.Symbol, inst.Interval, ts, final))
}

func (f *fakeFeed) DecodeMessage(payload []byte) (market.CandleEvent, bool, error) {
	if string(payload) == "ack" {
		return market.CandleEvent{}, false, nil
	}
	var (
		sym, iv string
		ts      int64
		final   bool
	)
	if _, err := fmt.Sscanf(string(payload), "%s %s %d %t", &sym, &iv, &ts, &final); err != nil {
		return market.CandleEvent{}, false, market.NewProtocolError(payload, err)
	}
	inst := market.Instrument{Symbol: sym, Interval: market.Interval(iv)}
	return market.CandleEvent{Instrument: inst, Candle: candleAt(inst, ts), Final: final}, true, nil
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func seedRepo(t *testing.T, repo market.Repository, candles []market.Candle) {
	t.Helper()
	_, err := repo.InsertMany(context.Background(), candles)
	require.NoError(t, err)
}
