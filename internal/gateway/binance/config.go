package binance

import (
	"fmt"
	"strings"
	"time"
)

type MarketKind string

const (
	MarketFutures MarketKind = "futures"
	MarketSpot    MarketKind = "spot"
)

const (
	defaultFuturesREST   = "https://fapi.binance.com"
	defaultFuturesStream = "wss://fstream.binance.com/stream"
	defaultSpotREST      = "https://api.binance.com"
	defaultSpotStream    = "wss://stream.binance.com:9443/stream"

	futuresMaxLimit = 1500
	spotMaxLimit    = 1000
)

type Config struct {
	Market      MarketKind
	RESTBaseURL string
	StreamURL   string
	APIKey      string
	APISecret   string
	HTTPTimeout time.Duration

	// RequestsPerSecond 限制 REST 请求速率，<=0 表示使用默认值。
	RequestsPerSecond float64
	RequestBurst      int

	ProxyEnabled bool
	RESTProxyURL string
	WSProxyURL   string

	BreakerThreshold int
	BreakerCooldown  time.Duration

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.Market = MarketKind(strings.ToLower(strings.TrimSpace(string(out.Market))))
	if out.Market == "" {
		out.Market = MarketFutures
	}
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	out.StreamURL = strings.TrimSpace(out.StreamURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = defaultFuturesREST
		if out.Market == MarketSpot {
			out.RESTBaseURL = defaultSpotREST
		}
	}
	if out.StreamURL == "" {
		out.StreamURL = defaultFuturesStream
		if out.Market == MarketSpot {
			out.StreamURL = defaultSpotStream
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 10
	}
	if out.RequestBurst <= 0 {
		out.RequestBurst = 1
	}
	if out.BreakerThreshold <= 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 30 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	// 0 keeps reads unbounded; the server pings every few minutes anyway
	if out.ReadTimeout < 0 {
		out.ReadTimeout = 0
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	out.WSProxyURL = strings.TrimSpace(out.WSProxyURL)
	if out.WSProxyURL == "" {
		out.WSProxyURL = out.RESTProxyURL
	}
	return out
}

func (c Config) validate() error {
	switch c.Market {
	case MarketFutures, MarketSpot:
	default:
		return fmt.Errorf("unsupported binance market %q", c.Market)
	}
	if !strings.HasPrefix(c.StreamURL, "ws://") && !strings.HasPrefix(c.StreamURL, "wss://") {
		return fmt.Errorf("stream url must be ws:// or wss://, got %q", c.StreamURL)
	}
	return nil
}

func (c Config) maxLimit() int {
	if c.Market == MarketSpot {
		return spotMaxLimit
	}
	return futuresMaxLimit
}
