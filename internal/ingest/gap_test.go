package ingest

import (
	"context"
	"errors"
	"testing"

	"klinekeeper/internal/market"
	"klinekeeper/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noGaps hides MissingOpenTimes from the auditor.
type noGaps struct{ market.Repository }

func TestGapAuditor_FillsHoles(t *testing.T) {
	repo := store.NewMemoryRepository()
	hist := newFakeHistory()
	hist.add(btc1m, 0, 9*minute)
	hist.remove(btc1m, 7*minute)

	var stored []market.Candle
	for _, c := range candlesBetween(btc1m, 0, 9*minute) {
		switch c.OpenTime {
		case 3 * minute, 4 * minute, 7 * minute:
			continue
		}
		stored = append(stored, c)
	}
	seedRepo(t, repo, stored)

	a := NewGapAuditor(repo, hist, syncQueue{repo: repo}, BackfillConfig{MinCount: 10})
	require.NotNil(t, a)
	report, err := a.Audit(context.Background(), btc1m)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Missing)
	assert.Equal(t, 2, report.Runs)
	assert.Equal(t, 2, report.Filled)
	assert.Equal(t, 1, report.Unfillable)
	assert.Equal(t, int64(0), report.From)
	assert.Equal(t, 9*minute, report.To)
	assert.Equal(t, []market.Window{
		{Start: 3 * minute, End: 4 * minute},
		{Start: 7 * minute, End: 7 * minute},
	}, hist.windows(btc1m))
	assert.Equal(t, 9, repo.Len(btc1m))

	again, err := a.Audit(context.Background(), btc1m)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Missing)
	assert.Zero(t, again.Filled)
}

func TestGapAuditor_EmptyRepository(t *testing.T) {
	repo := store.NewMemoryRepository()
	a := NewGapAuditor(repo, newFakeHistory(), syncQueue{repo: repo}, BackfillConfig{})
	report, err := a.Audit(context.Background(), btc1m)
	require.NoError(t, err)
	assert.Zero(t, report.Missing)
}

func TestGapAuditor_FetchErrorIsTyped(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedRepo(t, repo, []market.Candle{candleAt(btc1m, 0), candleAt(btc1m, 5*minute)})
	hist := newFakeHistory()
	hist.failAt[0] = errors.New("timeout")

	a := NewGapAuditor(repo, hist, syncQueue{repo: repo}, BackfillConfig{MinCount: 2})
	_, err := a.Audit(context.Background(), btc1m)
	var ferr *market.FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, market.Window{Start: minute, End: 2 * minute}, ferr.Window)
}

func TestGapAuditor_RequiresGapFinder(t *testing.T) {
	repo := noGaps{store.NewMemoryRepository()}
	assert.Nil(t, NewGapAuditor(repo, newFakeHistory(), syncQueue{repo: repo}, BackfillConfig{}))
}
