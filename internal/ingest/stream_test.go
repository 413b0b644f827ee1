package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"klinekeeper/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedWaits struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedWaits) wait(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func (r *recordedWaits) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func startManager(t *testing.T, d *fakeDialer, cfg StreamConfig) (*StreamManager, *fakeConn, *recordedWaits) {
	t.Helper()
	m := NewStreamManager(d, cfg)
	waits := &recordedWaits{}
	m.waitFn = waits.wait
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Connect(ctx))
	conn := d.next(t)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("stream manager did not stop")
		}
	})
	return m, conn, waits
}

func instSet(in []market.Instrument) map[market.Instrument]int {
	out := make(map[market.Instrument]int, len(in))
	for _, inst := range in {
		out[inst]++
	}
	return out
}

func TestStreamManager_RunRequiresConnect(t *testing.T) {
	m := NewStreamManager(newFakeDialer(), StreamConfig{})
	assert.ErrorIs(t, m.Run(context.Background()), market.ErrNotConnected)
}

func TestStreamManager_ConnectFailure(t *testing.T) {
	d := newFakeDialer()
	d.failNext(1)
	m := NewStreamManager(d, StreamConfig{})
	err := m.Connect(context.Background())
	var terr *market.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, Disconnected, m.Status().State)
	assert.NotEmpty(t, m.Status().LastError)
}

func TestStreamManager_SubscribeIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	m, conn, _ := startManager(t, d, StreamConfig{})
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, btc1m))
	require.NoError(t, m.Subscribe(ctx, btc1m))
	require.NoError(t, m.Subscribe(ctx, eth1m))

	assert.Equal(t, []market.Instrument{btc1m, eth1m}, conn.subscriptions())
	assert.Equal(t, []string{"BTCUSDT@1m", "ETHUSDT@1m"}, m.Subscriptions())
	assert.Equal(t, Connected, m.Status().State)
}

func TestStreamManager_DeliversMessagesInOrder(t *testing.T) {
	d := newFakeDialer()
	m, conn, _ := startManager(t, d, StreamConfig{})
	for _, p := range []string{"a", "b", "c"} {
		conn.msgs <- []byte(p)
	}
	var got []string
	for i := 0; i < 3; i++ {
		select {
		case p := <-m.Messages():
			got = append(got, string(p))
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStreamManager_ResubscribesAfterEveryReconnect(t *testing.T) {
	d := newFakeDialer()
	base := 100 * time.Millisecond
	m, conn, waits := startManager(t, d, StreamConfig{ReconnectBase: base, MaxAttempts: 5})
	ctx := context.Background()
	want := []market.Instrument{btc1m, eth1m, sol5m}
	for _, inst := range want {
		require.NoError(t, m.Subscribe(ctx, inst))
	}
	before := m.Subscriptions()

	for round := 1; round <= 3; round++ {
		// round n fails n-1 dials before one succeeds
		d.failNext(round - 1)
		conn.fail <- errors.New("reset by peer")
		ev := waitEvent(t, m.Events(), EventReconnected)
		assert.Equal(t, round, ev.Attempts)

		conn = d.next(t)
		got := conn.waitSubs(t, len(want))
		assert.Equal(t, instSet(want), instSet(got), "round %d", round)
		assert.Len(t, got, len(want), "no duplicate subscribe on round %d", round)
		assert.Equal(t, before, m.Subscriptions())
	}
	assert.Equal(t, Connected, m.Status().State)
	assert.Equal(t, 3, m.Status().Reconnects)
	// round 2 waited base*1, round 3 waited base*1 then base*2
	assert.Equal(t, []time.Duration{base, base, 2 * base}, waits.all())

	conn.msgs <- []byte("after")
	select {
	case p := <-m.Messages():
		assert.Equal(t, "after", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("no message after reconnect")
	}
}

func TestStreamManager_ExhaustionEmitsIngestionLost(t *testing.T) {
	d := newFakeDialer()
	base := 10 * time.Millisecond
	m, conn, waits := startManager(t, d, StreamConfig{ReconnectBase: base, MaxAttempts: 3})
	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, btc1m))

	d.failNext(100)
	conn.fail <- errors.New("network down")
	ev := waitEvent(t, m.Events(), EventIngestionLost)
	assert.Equal(t, 3, ev.Attempts)
	var terr *market.TransportError
	assert.True(t, errors.As(ev.Err, &terr))
	assert.Equal(t, []time.Duration{base, 2 * base}, waits.all())
	assert.Equal(t, Disconnected, m.Status().State)

	// still alive: subscriptions are recorded, nothing is sent
	require.NoError(t, m.Subscribe(ctx, eth1m))
	assert.Equal(t, []string{"BTCUSDT@1m", "ETHUSDT@1m"}, m.Subscriptions())
}

func TestStreamManager_SubscribeDuringBackoffIsSentOnReconnect(t *testing.T) {
	d := newFakeDialer()
	m := NewStreamManager(d, StreamConfig{ReconnectBase: time.Millisecond, MaxAttempts: 3})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	m.waitFn = func(ctx context.Context, _ time.Duration) bool {
		entered <- struct{}{}
		select {
		case <-release:
			return true
		case <-ctx.Done():
			return false
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	conn := d.next(t)
	go func() { _ = m.Run(ctx) }()
	require.NoError(t, m.Subscribe(ctx, btc1m))

	d.failNext(1)
	conn.fail <- errors.New("eof")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("backoff not reached")
	}
	assert.Equal(t, Reconnecting, m.Status().State)
	require.NoError(t, m.Subscribe(ctx, eth1m))
	close(release)

	waitEvent(t, m.Events(), EventReconnected)
	next := d.next(t)
	assert.Equal(t, instSet([]market.Instrument{btc1m, eth1m}), instSet(next.waitSubs(t, 2)))
}

func TestStreamManager_SubscribeErrorKeepsSubscription(t *testing.T) {
	d := newFakeDialer()
	m, conn, _ := startManager(t, d, StreamConfig{ReconnectBase: time.Millisecond, MaxAttempts: 2})
	conn.mu.Lock()
	conn.subErr = &market.TransportError{Op: "subscribe", Err: errors.New("broken pipe")}
	conn.mu.Unlock()

	err := m.Subscribe(context.Background(), btc1m)
	require.Error(t, err)
	assert.Equal(t, []string{"BTCUSDT@1m"}, m.Subscriptions())

	conn.fail <- errors.New("broken pipe")
	waitEvent(t, m.Events(), EventReconnected)
	next := d.next(t)
	assert.Equal(t, []market.Instrument{btc1m}, next.waitSubs(t, 1))
}

func TestStreamConfigBackoffIsLinear(t *testing.T) {
	cfg := StreamConfig{ReconnectBase: 250 * time.Millisecond}.withDefaults()
	assert.Equal(t, 250*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 750*time.Millisecond, cfg.backoff(3))
	assert.Equal(t, "reconnecting", Reconnecting.String())
}

func TestStreamManager_CancelDuringBackoffStopsReconnect(t *testing.T) {
	d := newFakeDialer()
	m := NewStreamManager(d, StreamConfig{ReconnectBase: time.Hour, MaxAttempts: 5})
	entered := make(chan struct{}, 1)
	m.waitFn = func(ctx context.Context, _ time.Duration) bool {
		entered <- struct{}{}
		<-ctx.Done()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	conn := d.next(t)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.NoError(t, m.Subscribe(ctx, btc1m))

	d.failNext(100)
	conn.fail <- errors.New("eof")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("backoff not reached")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run kept reconnecting after cancel")
	}
	assert.Equal(t, Disconnected, m.Status().State)
	for {
		select {
		case ev := <-m.Events():
			assert.NotEqual(t, EventIngestionLost, ev.Kind)
			continue
		default:
		}
		break
	}
}
