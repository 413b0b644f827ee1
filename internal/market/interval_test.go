package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	t.Run("supported codes", func(t *testing.T) {
		for _, iv := range SupportedIntervals() {
			got, err := ParseInterval(string(iv))
			require.NoError(t, err)
			assert.Equal(t, iv, got)
			assert.True(t, got.Duration() > 0)
		}
	})

	t.Run("month and minute differ", func(t *testing.T) {
		assert.Equal(t, time.Minute, MustInterval("1m").Duration())
		assert.Equal(t, 30*24*time.Hour, MustInterval("1M").Duration())
	})

	t.Run("upper case hour day week", func(t *testing.T) {
		iv, err := ParseInterval("4H")
		require.NoError(t, err)
		assert.Equal(t, Interval("4h"), iv)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, s := range []string{"", "7m", "1y", "abc", "0m"} {
			_, err := ParseInterval(s)
			assert.ErrorIs(t, err, ErrInvalidInterval, s)
		}
	})
}

func TestIntervalArithmetic(t *testing.T) {
	iv := MustInterval("1m")
	const base = int64(1_700_000_040_000)

	assert.Equal(t, base+60_000, iv.NextTime(base))
	assert.Equal(t, base-60_000, iv.LastTime(base))
	assert.Equal(t, base, iv.Align(base+59_999))
	assert.Equal(t, base+2*60_000, iv.EndFromStart(base, 3))
	assert.Equal(t, base-2*60_000, iv.StartFromEnd(base, 3))
	assert.Equal(t, base, iv.EndFromStart(base, 0))
	assert.Equal(t, 3, iv.Count(base, base+120_000))
	assert.Equal(t, 0, iv.Count(base, base-1))

	now := time.UnixMilli(base + 30_000)
	assert.Equal(t, base-60_000, iv.LastClosed(now))
}

func TestIntervalCalendarAlignment(t *testing.T) {
	ms := func(y int, m time.Month, d int) int64 {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
	}

	t.Run("weekly candles open on monday", func(t *testing.T) {
		iv := MustInterval("1w")
		wed := time.Date(2024, 10, 16, 12, 0, 0, 0, time.UTC)
		assert.Equal(t, ms(2024, 10, 14), iv.Align(wed.UnixMilli()))
		assert.Equal(t, ms(2024, 10, 7), iv.LastClosed(wed))
		assert.Equal(t, ms(2024, 10, 14), iv.Align(ms(2024, 10, 14)))
		assert.Equal(t, ms(2024, 10, 21), iv.NextTime(ms(2024, 10, 14)))
		assert.Equal(t, time.Monday, time.UnixMilli(iv.Align(0)).UTC().Weekday())
	})

	t.Run("monthly candles follow the calendar", func(t *testing.T) {
		iv := MustInterval("1M")
		assert.Equal(t, ms(2024, 2, 1), iv.Align(ms(2024, 2, 15)+3_600_000))
		assert.Equal(t, ms(2024, 2, 1), iv.NextTime(ms(2024, 1, 1)))
		assert.Equal(t, ms(2024, 3, 1), iv.NextTime(ms(2024, 2, 1)))
		assert.Equal(t, ms(2024, 2, 1), iv.LastTime(ms(2024, 3, 1)))
		assert.Equal(t, ms(2024, 1, 1), iv.EndFromStart(ms(2023, 11, 1), 3))
		assert.Equal(t, ms(2023, 11, 1), iv.StartFromEnd(ms(2024, 1, 1), 3))
		assert.Equal(t, 4, iv.Count(ms(2024, 1, 1), ms(2024, 4, 1)))
		assert.Equal(t, 3, iv.Count(ms(2024, 1, 15), ms(2024, 4, 1)))
		assert.Equal(t, 0, iv.Count(ms(2024, 1, 15), ms(2024, 1, 31)))
		assert.Equal(t, ms(2024, 2, 1), iv.LastClosed(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)))
	})
}
