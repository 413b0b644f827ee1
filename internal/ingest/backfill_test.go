package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"klinekeeper/internal/market"
	"klinekeeper/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(inst market.Instrument, repo *store.MemoryRepository, hist *fakeHistory, cfg BackfillConfig) *Worker {
	return NewWorker(inst, repo, hist, syncQueue{repo: repo}, cfg)
}

func TestWorker_ForwardFillsUpToStopTime(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	T := 100 * minute
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, T)})
	hist.add(btc1m, T, T+10*minute)

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 3})
	res, err := w.Run(context.Background(), T+5*minute)
	require.NoError(t, err)

	assert.Equal(t, 2, res.ForwardPages)
	assert.Equal(t, 0, res.BackwardPages)
	assert.Equal(t, 5, res.Candles)
	assert.Equal(t, T+minute, res.Low)
	assert.Equal(t, T+5*minute, res.High)
	assert.Equal(t, []int64{T, T + minute, T + 2*minute, T + 3*minute, T + 4*minute, T + 5*minute},
		storedTimes(t, repo, btc1m))

	windows := hist.windows(btc1m)
	require.Len(t, windows, 3)
	assert.Equal(t, market.Window{Start: T + minute, End: T + 3*minute}, windows[0])
	assert.Equal(t, market.Window{Start: T + 4*minute, End: T + 5*minute}, windows[1])
	// backward probe below the oldest stored candle comes back empty
	assert.Equal(t, market.Window{Start: T - 3*minute, End: T - minute}, windows[2])
}

func TestWorker_BackwardStopsOnEmptyPage(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	T := 100 * minute
	seedRepo(t, repo, candlesBetween(btc1m, T, T+2*minute))
	hist.add(btc1m, T-6*minute, T+2*minute)

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 3})
	res, err := w.Run(context.Background(), T+2*minute)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ForwardPages)
	assert.Equal(t, 2, res.BackwardPages)
	assert.Equal(t, T-6*minute, res.Low)

	windows := hist.windows(btc1m)
	assert.Equal(t, []market.Window{
		{Start: T - 3*minute, End: T - minute},
		{Start: T - 6*minute, End: T - 4*minute},
		{Start: T - 9*minute, End: T - 7*minute},
	}, windows)

	first, err := repo.FindFirst(context.Background(), btc1m)
	require.NoError(t, err)
	assert.Equal(t, T-6*minute, first.OpenTime)
	assert.Equal(t, 9, repo.Len(btc1m))
}

func TestWorker_EmptyRepositorySeedsFromStopTime(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	hist.add(btc1m, 0, 20*minute)

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 5})
	res, err := w.Run(context.Background(), 20*minute)
	require.NoError(t, err)

	windows := hist.windows(btc1m)
	require.NotEmpty(t, windows)
	assert.Equal(t, market.Window{Start: 16 * minute, End: 20 * minute}, windows[0])
	assert.Equal(t, 1, res.ForwardPages)
	assert.Equal(t, 4, res.BackwardPages)
	assert.Equal(t, int64(0), res.Low)
	assert.Equal(t, 20*minute, res.High)
	assert.Equal(t, 21, repo.Len(btc1m))
}

func TestWorker_EmptyRepositoryWithoutHistory(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 5})
	res, err := w.Run(context.Background(), 20*minute)
	require.NoError(t, err)
	assert.Zero(t, res.Candles)
	assert.Len(t, hist.windows(btc1m), 1)
}

func TestWorker_BackwardRespectsFloor(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	T := 100 * minute
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, T)})
	hist.add(btc1m, 0, T)

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 50, Floor: 90 * minute})
	res, err := w.Run(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BackwardPages)
	assert.Equal(t, []market.Window{{Start: 90 * minute, End: 99 * minute}}, hist.windows(btc1m))
	assert.Equal(t, 11, repo.Len(btc1m))
}

func TestWorker_FetchFailureEndsRun(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	T := 100 * minute
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, T)})
	hist.add(btc1m, T, T+10*minute)
	hist.failAt[1] = errors.New("503 service unavailable")

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 3})
	res, err := w.Run(context.Background(), T+9*minute)

	var ferr *market.FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, btc1m, ferr.Instrument)
	assert.Equal(t, market.Window{Start: T + 4*minute, End: T + 6*minute}, ferr.Window)
	assert.Equal(t, 1, res.ForwardPages)
	// no inline retry
	assert.Len(t, hist.windows(btc1m), 2)
}

func TestWorker_CancellationBetweenPages(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	T := 100 * minute
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, T)})
	hist.add(btc1m, T, T+30*minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hist.onFetch = func(n int) {
		if n == 0 {
			cancel()
		}
	}
	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 3})
	res, err := w.Run(ctx, T+30*minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.ForwardPages)
	assert.Len(t, hist.windows(btc1m), 1)
	assert.Equal(t, 4, repo.Len(btc1m))
}

func TestWorker_ForwardOnly(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	T := 100 * minute
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, T)})
	hist.add(btc1m, 0, T+4*minute)

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 10})
	res, err := w.Forward(context.Background(), T+4*minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ForwardPages)
	assert.Equal(t, 0, res.BackwardPages)
	assert.Equal(t, 5, repo.Len(btc1m))

	empty := newTestWorker(eth1m, repo, hist, BackfillConfig{})
	res, err = empty.Forward(context.Background(), T)
	require.NoError(t, err)
	assert.Zero(t, res.ForwardPages)
	assert.Empty(t, hist.windows(eth1m))
}

func TestWorker_PagesArePaced(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, 0)})
	hist.add(btc1m, 0, 9*minute)

	w := newTestWorker(btc1m, repo, hist, BackfillConfig{MinCount: 3, PageDelay: 30 * time.Millisecond})
	start := time.Now()
	res, err := w.Forward(context.Background(), 9*minute)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ForwardPages)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWorker_ClipsPagesToWindow(t *testing.T) {
	repo := store.NewMemoryRepository()
	T := 100 * minute
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, T)})
	loose := fetchFunc(func(ctx context.Context, inst market.Instrument, start, end int64) ([]market.Candle, error) {
		// out of order and one candle past the window
		return []market.Candle{candleAt(inst, end+minute), candleAt(inst, end), candleAt(inst, start)}, nil
	})
	w := NewWorker(btc1m, repo, loose, syncQueue{repo: repo}, BackfillConfig{MinCount: 2})
	res, err := w.Forward(context.Background(), T+2*minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ForwardPages)
	assert.Equal(t, []int64{T, T + minute, T + 2*minute}, storedTimes(t, repo, btc1m))
}

type fetchFunc func(ctx context.Context, inst market.Instrument, start, end int64) ([]market.Candle, error)

func (f fetchFunc) FetchHistorical(ctx context.Context, inst market.Instrument, start, end int64) ([]market.Candle, error) {
	return f(ctx, inst, start, end)
}
