package model

import "klinekeeper/internal/market"

func FromCandle(c market.Candle, nowMs int64) KlineModel {
	return KlineModel{
		Symbol:              c.Symbol,
		Period:              c.Interval.String(),
		OpenTs:              c.OpenTime,
		CloseTs:             c.CloseTime,
		Open:                c.Open,
		High:                c.High,
		Low:                 c.Low,
		Close:               c.Close,
		Volume:              c.Volume,
		QuoteVolume:         c.QuoteVolume,
		Average:             c.NullAverage(),
		TradeCount:          c.Trades,
		TakerBuyVolume:      c.TakerBuyVolume,
		TakerBuyQuoteVolume: c.TakerBuyQuoteVolume,
		CreatedAtUnix:       nowMs,
		UpdatedAtUnix:       nowMs,
	}
}

func (m KlineModel) ToCandle() market.Candle {
	return market.Candle{
		Symbol:              m.Symbol,
		Interval:            market.Interval(m.Period),
		OpenTime:            m.OpenTs,
		CloseTime:           m.CloseTs,
		Open:                m.Open,
		High:                m.High,
		Low:                 m.Low,
		Close:               m.Close,
		Volume:              m.Volume,
		QuoteVolume:         m.QuoteVolume,
		Trades:              m.TradeCount,
		TakerBuyVolume:      m.TakerBuyVolume,
		TakerBuyQuoteVolume: m.TakerBuyQuoteVolume,
	}
}
