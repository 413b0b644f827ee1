package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"
	"klinekeeper/internal/pkg/circuit"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// rawKline 是 spot / futures 两种 SDK 返回值的公共形态。
type rawKline struct {
	OpenTime                 int64
	CloseTime                int64
	Open                     string
	High                     string
	Low                      string
	Close                    string
	Volume                   string
	QuoteAssetVolume         string
	TradeNum                 int64
	TakerBuyBaseAssetVolume  string
	TakerBuyQuoteAssetVolume string
}

type klineFunc func(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]rawKline, error)

// Client implements market.FeedClient against Binance.
type Client struct {
	cfg     Config
	klines  klineFunc
	limiter *rate.Limiter
	breaker *circuit.CircuitBreaker
	dialer  *websocket.Dialer
	nowFn   func() time.Time

	statsMu sync.Mutex
	stats   market.SourceStats
	dials   int
}

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	if err := final.validate(); err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: final.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if final.ProxyEnabled && final.WSProxyURL != "" {
		proxyURL, err := url.Parse(final.WSProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid WS proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}
	c := &Client{
		cfg:     final,
		limiter: rate.NewLimiter(rate.Limit(final.RequestsPerSecond), final.RequestBurst),
		breaker: circuit.NewCircuitBreaker("binance-klines", final.BreakerThreshold, final.BreakerCooldown),
		dialer:  dialer,
		nowFn:   time.Now,
	}
	switch final.Market {
	case MarketSpot:
		c.klines = spotKlines(final, httpClient)
	default:
		c.klines = futuresKlines(final, httpClient)
	}
	return c, nil
}

func futuresKlines(cfg Config, httpClient *http.Client) klineFunc {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = cfg.RESTBaseURL
	client.HTTPClient = httpClient
	return func(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]rawKline, error) {
		kls, err := client.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(start).EndTime(end).Limit(limit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]rawKline, 0, len(kls))
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, rawKline{
				OpenTime: kl.OpenTime, CloseTime: kl.CloseTime,
				Open: kl.Open, High: kl.High, Low: kl.Low, Close: kl.Close,
				Volume: kl.Volume, QuoteAssetVolume: kl.QuoteAssetVolume, TradeNum: kl.TradeNum,
				TakerBuyBaseAssetVolume: kl.TakerBuyBaseAssetVolume, TakerBuyQuoteAssetVolume: kl.TakerBuyQuoteAssetVolume,
			})
		}
		return out, nil
	}
}

func spotKlines(cfg Config, httpClient *http.Client) klineFunc {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = cfg.RESTBaseURL
	client.HTTPClient = httpClient
	return func(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]rawKline, error) {
		kls, err := client.NewKlinesService().Symbol(symbol).Interval(interval).
			StartTime(start).EndTime(end).Limit(limit).Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]rawKline, 0, len(kls))
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, rawKline{
				OpenTime: kl.OpenTime, CloseTime: kl.CloseTime,
				Open: kl.Open, High: kl.High, Low: kl.Low, Close: kl.Close,
				Volume: kl.Volume, QuoteAssetVolume: kl.QuoteAssetVolume, TradeNum: kl.TradeNum,
				TakerBuyBaseAssetVolume: kl.TakerBuyBaseAssetVolume, TakerBuyQuoteAssetVolume: kl.TakerBuyQuoteAssetVolume,
			})
		}
		return out, nil
	}
}

// FetchHistorical returns the closed candles whose open time lies in [start, end].
func (c *Client) FetchHistorical(ctx context.Context, inst market.Instrument, start, end int64) ([]market.Candle, error) {
	if !inst.Interval.Valid() {
		return nil, fmt.Errorf("%w: %q", market.ErrInvalidInterval, inst.Interval)
	}
	if end < start {
		return nil, nil
	}
	if !c.breaker.Allow() {
		err := fmt.Errorf("binance klines %s: %w", inst, market.ErrCircuitOpen)
		c.recordFetchError(err)
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	limit := inst.Interval.Count(start, end)
	if upper := c.cfg.maxLimit(); limit > upper {
		limit = upper
	}
	rows, err := c.klines(ctx, inst.Symbol, inst.Interval.String(), start, end, limit)
	if err != nil {
		// 调用方取消不算交易所故障
		if ctx.Err() == nil {
			c.breaker.RecordFailure()
			c.recordFetchError(err)
		}
		return nil, err
	}
	c.breaker.RecordSuccess()
	lastClosed := inst.Interval.LastClosed(c.nowFn())
	out := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if row.OpenTime < start || row.OpenTime > end || row.OpenTime > lastClosed {
			continue
		}
		candle, err := convertKline(inst, row)
		if err != nil {
			c.recordFetchError(err)
			return nil, err
		}
		out = append(out, candle)
	}
	if dropped := len(rows) - len(out); dropped > 0 {
		logger.Debugf("[binance] %s [%d,%d] dropped %d rows outside window or still open", inst, start, end, dropped)
	}
	return out, nil
}

func convertKline(inst market.Instrument, row rawKline) (market.Candle, error) {
	c := market.Candle{
		Symbol:    inst.Symbol,
		Interval:  inst.Interval,
		OpenTime:  row.OpenTime,
		CloseTime: row.CloseTime,
		Trades:    row.TradeNum,
	}
	fields := []struct {
		dst  *decimal.Decimal
		raw  string
		name string
	}{
		{&c.Open, row.Open, "open"},
		{&c.High, row.High, "high"},
		{&c.Low, row.Low, "low"},
		{&c.Close, row.Close, "close"},
		{&c.Volume, row.Volume, "volume"},
		{&c.QuoteVolume, row.QuoteAssetVolume, "quote_volume"},
		{&c.TakerBuyVolume, row.TakerBuyBaseAssetVolume, "taker_buy_volume"},
		{&c.TakerBuyQuoteVolume, row.TakerBuyQuoteAssetVolume, "taker_buy_quote_volume"},
	}
	for _, f := range fields {
		d, err := parseDecimal(f.raw)
		if err != nil {
			return market.Candle{}, fmt.Errorf("kline %s@%d %s: %w", inst, row.OpenTime, f.name, err)
		}
		*f.dst = d
	}
	return c, nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func (c *Client) BreakerState() circuit.State {
	return c.breaker.State()
}

func (c *Client) Stats() market.SourceStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ClearLastError resets the cached error after a healthy reconnect.
func (c *Client) ClearLastError() {
	c.statsMu.Lock()
	c.stats.LastError = ""
	c.statsMu.Unlock()
}

func (c *Client) recordFetchError(err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.FetchErrors++
	c.stats.LastError = err.Error()
}

func (c *Client) recordProtocolError(err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.ProtocolErrors++
	c.stats.LastError = err.Error()
}

func (c *Client) recordSubscribeError(err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.SubscribeErrors++
	c.stats.LastError = err.Error()
}

func (c *Client) recordDial(err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if err != nil {
		c.stats.LastError = err.Error()
		return
	}
	c.dials++
	if c.dials > 1 {
		c.stats.Reconnects++
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) || websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
