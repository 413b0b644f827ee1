package market

import (
	"fmt"
	"strings"
	"time"
)

// Interval is a Binance kline interval code such as "1m" or "1M".
type Interval string

const (
	day = 24 * time.Hour

	Week  Interval = "1w"
	Month Interval = "1M"

	// 1970-01-01 是周四，周线从周一 00:00 UTC 开盘
	weekOffsetMs = int64(4 * day / time.Millisecond)
)

// 1M 的 Duration 只是近似值（30 天），用于分页和超时估算；开盘时间按自然月计算。
var intervalDurations = map[Interval]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  day,
	"3d":  3 * day,
	"1w":  7 * day,
	"1M":  30 * day,
}

// ParseInterval validates s. Codes are case sensitive except that "1H", "1D" and "1W"
// are accepted for convenience; "1M" always means one month.
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidInterval)
	}
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; ok {
		return iv, nil
	}
	unit := s[len(s)-1]
	if unit == 'H' || unit == 'D' || unit == 'W' {
		iv = Interval(strings.ToLower(s))
		if _, ok := intervalDurations[iv]; ok {
			return iv, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
}

func MustInterval(s string) Interval {
	iv, err := ParseInterval(s)
	if err != nil {
		panic(err)
	}
	return iv
}

func (i Interval) String() string { return string(i) }

func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Millis returns the interval length in milliseconds, the unit of every open_ts.
func (i Interval) Millis() int64 {
	return i.Duration().Milliseconds()
}

func (i Interval) NextTime(ts int64) int64 {
	if i == Month {
		return addMonths(ts, 1)
	}
	return ts + i.Millis()
}

func (i Interval) LastTime(ts int64) int64 {
	if i == Month {
		return addMonths(ts, -1)
	}
	return ts - i.Millis()
}

// Align floors ts to the open time of the candle containing it.
func (i Interval) Align(ts int64) int64 {
	switch i {
	case Month:
		t := time.UnixMilli(ts).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	case Week:
		return ts - floorMod(ts-weekOffsetMs, i.Millis())
	}
	ms := i.Millis()
	if ms <= 0 {
		return ts
	}
	return ts - floorMod(ts, ms)
}

// EndFromStart returns the open time of the n-th candle starting at start.
func (i Interval) EndFromStart(start int64, n int) int64 {
	if n < 1 {
		n = 1
	}
	if i == Month {
		return addMonths(start, n-1)
	}
	return start + i.Millis()*int64(n-1)
}

// StartFromEnd returns the open time n-1 candles before end.
func (i Interval) StartFromEnd(end int64, n int) int64 {
	if n < 1 {
		n = 1
	}
	if i == Month {
		return addMonths(end, -(n - 1))
	}
	return end - i.Millis()*int64(n-1)
}

// Count returns how many candles open within [start, end].
func (i Interval) Count(start, end int64) int {
	ms := i.Millis()
	if ms <= 0 || end < start {
		return 0
	}
	if i == Month {
		first := i.Align(start)
		if first < start {
			first = i.NextTime(first)
		}
		if first > end {
			return 0
		}
		return monthIndex(end) - monthIndex(first) + 1
	}
	return int((end-start)/ms) + 1
}

// LastClosed is the open time of the newest candle that has fully closed at now.
func (i Interval) LastClosed(now time.Time) int64 {
	return i.LastTime(i.Align(now.UnixMilli()))
}

func addMonths(ts int64, n int) int64 {
	return time.UnixMilli(ts).UTC().AddDate(0, n, 0).UnixMilli()
}

func monthIndex(ts int64) int {
	t := time.UnixMilli(ts).UTC()
	return t.Year()*12 + int(t.Month()) - 1
}

func floorMod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

func SupportedIntervals() []Interval {
	return []Interval{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1M"}
}
