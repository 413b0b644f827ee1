package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument identifies one (symbol, interval) partition.
type Instrument struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
}

func NewInstrument(symbol, interval string) (Instrument, error) {
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return Instrument{}, fmt.Errorf("symbol is required")
	}
	iv, err := ParseInterval(interval)
	if err != nil {
		return Instrument{}, err
	}
	return Instrument{Symbol: sym, Interval: iv}, nil
}

func (i Instrument) String() string { return i.Symbol + "@" + i.Interval.String() }

// NormalizeSymbol turns "btc/usdt" or "BTC-USDT" into "BTCUSDT".
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "/", "")
	return strings.ReplaceAll(s, "-", "")
}

// Candle 是一根 K 线。价格和成交量全部使用 decimal，时间为毫秒。
type Candle struct {
	Symbol              string          `json:"symbol"`
	Interval            Interval        `json:"interval"`
	OpenTime            int64           `json:"open_time"`
	CloseTime           int64           `json:"close_time"`
	Open                decimal.Decimal `json:"open"`
	High                decimal.Decimal `json:"high"`
	Low                 decimal.Decimal `json:"low"`
	Close               decimal.Decimal `json:"close"`
	Volume              decimal.Decimal `json:"volume"`
	QuoteVolume         decimal.Decimal `json:"quote_volume"`
	Trades              int64           `json:"trades"`
	TakerBuyVolume      decimal.Decimal `json:"taker_buy_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume"`
}

func (c Candle) Instrument() Instrument {
	return Instrument{Symbol: c.Symbol, Interval: c.Interval}
}

// Average returns quote_volume / volume, or nil when volume is zero.
func (c Candle) Average() *decimal.Decimal {
	if c.Volume.IsZero() {
		return nil
	}
	avg := c.QuoteVolume.DivRound(c.Volume, 18)
	return &avg
}

// NullAverage is Average in the form storage drivers expect.
func (c Candle) NullAverage() decimal.NullDecimal {
	if avg := c.Average(); avg != nil {
		return decimal.NewNullDecimal(*avg)
	}
	return decimal.NullDecimal{}
}

type candleKey struct {
	symbol   string
	interval Interval
	openTime int64
}

// DedupeCandles keeps the last occurrence of every (symbol, interval, open_time) and
// otherwise preserves order. A single upsert statement may not touch a row twice.
func DedupeCandles(batch []Candle) []Candle {
	if len(batch) < 2 {
		return batch
	}
	last := make(map[candleKey]int, len(batch))
	for i, c := range batch {
		last[candleKey{c.Symbol, c.Interval, c.OpenTime}] = i
	}
	if len(last) == len(batch) {
		return batch
	}
	out := make([]Candle, 0, len(last))
	for i, c := range batch {
		if last[candleKey{c.Symbol, c.Interval, c.OpenTime}] == i {
			out = append(out, c)
		}
	}
	return out
}

// CandleEvent is one decoded live stream update.
type CandleEvent struct {
	Instrument Instrument
	Candle     Candle
	// Final is set by the exchange on the last update of a candle.
	Final bool
}
