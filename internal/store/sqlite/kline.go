package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"klinekeeper/internal/market"
	"klinekeeper/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultInsertBatch = 500

// CandleRepository implements market.Repository on gorm + SQLite.
type CandleRepository struct {
	db        *gorm.DB
	batchSize int
	nowFn     func() time.Time
}

func NewCandleRepository(db *gorm.DB) (*CandleRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&model.KlineModel{}); err != nil {
		return nil, fmt.Errorf("migrate klines: %w", err)
	}
	return &CandleRepository{db: db, batchSize: defaultInsertBatch, nowFn: time.Now}, nil
}

func (r *CandleRepository) scope(ctx context.Context, inst market.Instrument) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.KlineModel{}).
		Where("symbol = ? AND period = ?", inst.Symbol, inst.Interval.String())
}

func (r *CandleRepository) FindFirst(ctx context.Context, inst market.Instrument) (*market.Candle, error) {
	return r.findEdge(ctx, inst, "open_ts ASC")
}

func (r *CandleRepository) FindLast(ctx context.Context, inst market.Instrument) (*market.Candle, error) {
	return r.findEdge(ctx, inst, "open_ts DESC")
}

func (r *CandleRepository) findEdge(ctx context.Context, inst market.Instrument, order string) (*market.Candle, error) {
	var row model.KlineModel
	err := r.scope(ctx, inst).Order(order).Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := row.ToCandle()
	return &c, nil
}

// InsertMany upserts batch on (symbol, period, open_ts).
func (r *CandleRepository) InsertMany(ctx context.Context, batch []market.Candle) ([]market.Candle, error) {
	batch = market.DedupeCandles(batch)
	if len(batch) == 0 {
		return nil, nil
	}
	now := r.nowFn().UnixMilli()
	rows := make([]model.KlineModel, 0, len(batch))
	for _, c := range batch {
		rows = append(rows, model.FromCandle(c, now))
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "period"}, {Name: "open_ts"}},
			DoUpdates: clause.AssignmentColumns(model.KlineUpdateColumns),
		}).
		CreateInBatches(&rows, r.batchSize).Error
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *CandleRepository) Range(ctx context.Context, inst market.Instrument, from, to int64, limit int) ([]market.Candle, error) {
	q := r.scope(ctx, inst).Where("open_ts BETWEEN ? AND ?", from, to).Order("open_ts ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.KlineModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.Candle, len(rows))
	for i, row := range rows {
		out[i] = row.ToCandle()
	}
	return out, nil
}

func (r *CandleRepository) MissingOpenTimes(ctx context.Context, inst market.Instrument, from, to int64) ([]int64, error) {
	var present []int64
	err := r.scope(ctx, inst).
		Where("open_ts BETWEEN ? AND ?", from, to).
		Order("open_ts ASC").
		Pluck("open_ts", &present).Error
	if err != nil {
		return nil, err
	}
	return market.MissingOpenTimes(inst.Interval, from, to, present), nil
}

// Count returns the number of stored candles for inst.
func (r *CandleRepository) Count(ctx context.Context, inst market.Instrument) (int64, error) {
	var n int64
	err := r.scope(ctx, inst).Count(&n).Error
	return n, err
}
