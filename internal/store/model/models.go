package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// KlineModel maps to the 'klines' table. Decimal columns are stored as TEXT so SQLite
// numeric affinity never rounds them.
type KlineModel struct {
	ID                  int64               `gorm:"column:id;primaryKey;autoIncrement"`
	Symbol              string              `gorm:"column:symbol;size:32;not null;uniqueIndex:idx_kline_key,priority:1"`
	Period              string              `gorm:"column:period;size:8;not null;uniqueIndex:idx_kline_key,priority:2"`
	OpenTs              int64               `gorm:"column:open_ts;not null;uniqueIndex:idx_kline_key,priority:3"`
	CloseTs             int64               `gorm:"column:close_ts;not null"`
	Open                decimal.Decimal     `gorm:"column:open;type:TEXT;not null"`
	High                decimal.Decimal     `gorm:"column:high;type:TEXT;not null"`
	Low                 decimal.Decimal     `gorm:"column:low;type:TEXT;not null"`
	Close               decimal.Decimal     `gorm:"column:close;type:TEXT;not null"`
	Volume              decimal.Decimal     `gorm:"column:volume;type:TEXT;not null"`
	QuoteVolume         decimal.Decimal     `gorm:"column:quote_volume;type:TEXT;not null"`
	Average             decimal.NullDecimal `gorm:"column:average;type:TEXT"`
	TradeCount          int64               `gorm:"column:trade_count"`
	TakerBuyVolume      decimal.Decimal     `gorm:"column:taker_buy_volume;type:TEXT;not null"`
	TakerBuyQuoteVolume decimal.Decimal     `gorm:"column:taker_buy_quote_volume;type:TEXT;not null"`
	CreatedAtUnix       int64               `gorm:"column:created_at"`
	UpdatedAtUnix       int64               `gorm:"column:updated_at"`
}

func (KlineModel) TableName() string { return "klines" }

// KlineUpdateColumns are overwritten when a row with the same key already exists.
var KlineUpdateColumns = []string{
	"close_ts", "open", "high", "low", "close", "volume", "quote_volume", "average",
	"trade_count", "taker_buy_volume", "taker_buy_quote_volume", "updated_at",
}

type BackfillRunModel struct {
	ID            string         `gorm:"column:id;primaryKey;size:36"`
	Symbol        string         `gorm:"column:symbol;size:32;index:idx_run_inst,priority:1"`
	Period        string         `gorm:"column:period;size:8;index:idx_run_inst,priority:2"`
	Kind          string         `gorm:"column:kind;size:16"`
	Status        string         `gorm:"column:status;size:16"`
	StopTs        int64          `gorm:"column:stop_ts"`
	ForwardPages  int            `gorm:"column:forward_pages"`
	BackwardPages int            `gorm:"column:backward_pages"`
	Candles       int            `gorm:"column:candles"`
	LowTs         int64          `gorm:"column:low_ts"`
	HighTs        int64          `gorm:"column:high_ts"`
	Error         string         `gorm:"column:error"`
	Detail        datatypes.JSON `gorm:"column:detail;type:TEXT"`
	StartedAtUnix int64          `gorm:"column:started_at;index"`
	EndedAtUnix   int64          `gorm:"column:finished_at"`
}

func (BackfillRunModel) TableName() string { return "backfill_runs" }

// IngestEventModel maps to 'ingest_events'.
type IngestEventModel struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Kind      string         `gorm:"column:kind;size:32;index"`
	Symbol    string         `gorm:"column:symbol;size:32"`
	Period    string         `gorm:"column:period;size:8"`
	Message   string         `gorm:"column:message"`
	Details   datatypes.JSON `gorm:"column:details;type:TEXT"`
	Timestamp int64          `gorm:"column:timestamp;index"`
}

func (IngestEventModel) TableName() string { return "ingest_events" }
