package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"klinekeeper/internal/market"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// pgxIface is the subset of *pgxpool.Pool the repository needs.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	insertColumns = 14
	// 65535 bind parameters per statement
	maxRowsPerStatement = 4000
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS klines (
	symbol TEXT NOT NULL,
	period TEXT NOT NULL,
	open_ts BIGINT NOT NULL,
	close_ts BIGINT NOT NULL,
	open NUMERIC NOT NULL,
	high NUMERIC NOT NULL,
	low NUMERIC NOT NULL,
	close NUMERIC NOT NULL,
	volume NUMERIC NOT NULL,
	quote_volume NUMERIC NOT NULL,
	average NUMERIC,
	trade_count BIGINT NOT NULL DEFAULT 0,
	taker_buy_volume NUMERIC NOT NULL,
	taker_buy_quote_volume NUMERIC NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (symbol, period, open_ts)
)`

const selectColumns = `symbol, period, open_ts, close_ts, open::text, high::text, low::text, close::text,
	volume::text, quote_volume::text, trade_count, taker_buy_volume::text, taker_buy_quote_volume::text`

// CandleRepository implements market.Repository on PostgreSQL through pgx.
type CandleRepository struct {
	pool  pgxIface
	nowFn func() time.Time
}

// Connect opens a pgx pool for dsn.
func Connect(ctx context.Context, dsn string) (*CandleRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewCandleRepository(pool), nil
}

func NewCandleRepository(pool pgxIface) *CandleRepository {
	return &CandleRepository{pool: pool, nowFn: time.Now}
}

func (r *CandleRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schemaSQL)
	return err
}

func (r *CandleRepository) Close() {
	r.pool.Close()
}

func (r *CandleRepository) FindFirst(ctx context.Context, inst market.Instrument) (*market.Candle, error) {
	return r.findEdge(ctx, inst, "ASC")
}

func (r *CandleRepository) FindLast(ctx context.Context, inst market.Instrument) (*market.Candle, error) {
	return r.findEdge(ctx, inst, "DESC")
}

func (r *CandleRepository) findEdge(ctx context.Context, inst market.Instrument, dir string) (*market.Candle, error) {
	query := `SELECT ` + selectColumns + ` FROM klines WHERE symbol = $1 AND period = $2 ORDER BY open_ts ` + dir + ` LIMIT 1`
	c, err := scanCandle(r.pool.QueryRow(ctx, query, inst.Symbol, inst.Interval.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CandleRepository) InsertMany(ctx context.Context, batch []market.Candle) ([]market.Candle, error) {
	batch = market.DedupeCandles(batch)
	now := r.nowFn().UnixMilli()
	for start := 0; start < len(batch); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(batch) {
			end = len(batch)
		}
		query, args := buildUpsert(batch[start:end], now)
		if _, err := r.pool.Exec(ctx, query, args...); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func buildUpsert(rows []market.Candle, now int64) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO klines (symbol, period, open_ts, close_ts, open, high, low, close, volume, quote_volume, average, trade_count, taker_buy_volume, taker_buy_quote_volume, updated_at) VALUES `)
	args := make([]any, 0, len(rows)*insertColumns+1)
	args = append(args, now)
	for i, c := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := len(args)
		sb.WriteString("(")
		for col := 1; col <= insertColumns; col++ {
			if col > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+col)
		}
		sb.WriteString(", $1)")
		var avg any
		if a := c.Average(); a != nil {
			avg = a.String()
		}
		args = append(args,
			c.Symbol, c.Interval.String(), c.OpenTime, c.CloseTime,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
			c.Volume.String(), c.QuoteVolume.String(), avg, c.Trades,
			c.TakerBuyVolume.String(), c.TakerBuyQuoteVolume.String(),
		)
	}
	sb.WriteString(` ON CONFLICT (symbol, period, open_ts) DO UPDATE SET
	close_ts = EXCLUDED.close_ts, open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
	close = EXCLUDED.close, volume = EXCLUDED.volume, quote_volume = EXCLUDED.quote_volume,
	average = EXCLUDED.average, trade_count = EXCLUDED.trade_count,
	taker_buy_volume = EXCLUDED.taker_buy_volume, taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume,
	updated_at = EXCLUDED.updated_at`)
	return sb.String(), args
}

func (r *CandleRepository) Range(ctx context.Context, inst market.Instrument, from, to int64, limit int) ([]market.Candle, error) {
	query := `SELECT ` + selectColumns + ` FROM klines WHERE symbol = $1 AND period = $2 AND open_ts BETWEEN $3 AND $4 ORDER BY open_ts ASC`
	args := []any{inst.Symbol, inst.Interval.String(), from, to}
	if limit > 0 {
		query += ` LIMIT $5`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MissingOpenTimes lets the database enumerate the expected open times.
func (r *CandleRepository) MissingOpenTimes(ctx context.Context, inst market.Instrument, from, to int64) ([]int64, error) {
	if inst.Interval == market.Month {
		// 自然月步长不固定，取已有 open_ts 后在本地比对
		present, err := r.openTimes(ctx, inst, from, to)
		if err != nil {
			return nil, err
		}
		return market.MissingOpenTimes(inst.Interval, from, to, present), nil
	}
	const query = `SELECT g.ts FROM generate_series($3::bigint, $4::bigint, $5::bigint) AS g(ts)
	WHERE NOT EXISTS (SELECT 1 FROM klines k WHERE k.symbol = $1 AND k.period = $2 AND k.open_ts = g.ts)
	ORDER BY g.ts`
	rows, err := r.pool.Query(ctx, query, inst.Symbol, inst.Interval.String(), from, to, inst.Interval.Millis())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (r *CandleRepository) openTimes(ctx context.Context, inst market.Instrument, from, to int64) ([]int64, error) {
	const query = `SELECT open_ts FROM klines WHERE symbol = $1 AND period = $2 AND open_ts BETWEEN $3 AND $4 ORDER BY open_ts ASC`
	rows, err := r.pool.Query(ctx, query, inst.Symbol, inst.Interval.String(), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanCandle(row pgx.Row) (market.Candle, error) {
	var (
		c                                  market.Candle
		period                             string
		open, high, low, closePx           string
		volume, quoteVolume, takerBuy, tbq string
	)
	if err := row.Scan(&c.Symbol, &period, &c.OpenTime, &c.CloseTime, &open, &high, &low, &closePx,
		&volume, &quoteVolume, &c.Trades, &takerBuy, &tbq); err != nil {
		return market.Candle{}, err
	}
	c.Interval = market.Interval(period)
	fields := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, closePx},
		{&c.Volume, volume}, {&c.QuoteVolume, quoteVolume},
		{&c.TakerBuyVolume, takerBuy}, {&c.TakerBuyQuoteVolume, tbq},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return market.Candle{}, fmt.Errorf("decode numeric %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return c, nil
}
