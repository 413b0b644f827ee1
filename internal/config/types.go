package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"klinekeeper/internal/market"
)

// Config 是 klinekeeper 的主配置载体。
type Config struct {
	App             AppConfig          `toml:"app"`
	Exchange        ExchangeConfig     `toml:"exchange"`
	Stream          StreamConfig       `toml:"stream"`
	Queue           QueueConfig        `toml:"queue"`
	Backfill        BackfillConfig     `toml:"backfill"`
	Storage         StorageConfig      `toml:"storage"`
	Notify          NotifyConfig       `toml:"notify"`
	Instruments     []InstrumentConfig `toml:"instruments"`
	InstrumentsFile string             `toml:"instruments_file"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// ExchangeConfig 描述 Binance REST 与 websocket 的接入方式。
type ExchangeConfig struct {
	Market             string        `toml:"market"` // futures | spot
	RESTBaseURL        string        `toml:"rest_base_url"`
	StreamURL          string        `toml:"stream_url"`
	APIKey             string        `toml:"api_key"`
	APISecret          string        `toml:"api_secret"`
	HTTPTimeoutSeconds int           `toml:"http_timeout_seconds"`
	RequestsPerSecond  float64       `toml:"requests_per_second"`
	RequestBurst       int           `toml:"request_burst"`
	Proxy              ProxyConfig   `toml:"proxy"`
	Breaker            BreakerConfig `toml:"breaker"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

// BreakerConfig 控制 REST 连续失败后的熔断。
type BreakerConfig struct {
	Threshold       int `toml:"threshold"`
	CooldownSeconds int `toml:"cooldown_seconds"`
}

type StreamConfig struct {
	ReconnectBaseMs         int `toml:"reconnect_base_ms"`
	MaxAttempts             int `toml:"max_attempts"`
	ConnectTimeoutSeconds   int `toml:"connect_timeout_seconds"`
	SubscribeTimeoutSeconds int `toml:"subscribe_timeout_seconds"`
	// 0 表示不设读超时，只依赖 ping/pong
	ReadTimeoutSeconds  int `toml:"read_timeout_seconds"`
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
}

func (s StreamConfig) ReconnectBase() time.Duration {
	return time.Duration(s.ReconnectBaseMs) * time.Millisecond
}

type QueueConfig struct {
	Capacity            int `toml:"capacity"`
	BatchSize           int `toml:"batch_size"`
	FlushIntervalMs     int `toml:"flush_interval_ms"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

func (q QueueConfig) FlushInterval() time.Duration {
	return time.Duration(q.FlushIntervalMs) * time.Millisecond
}

// BackfillConfig 控制历史回补。start_time/stop_time 支持毫秒时间戳或 RFC3339。
type BackfillConfig struct {
	MinPageCount            int    `toml:"min_page_count"`
	PageDelayMs             int    `toml:"page_delay_ms"`
	FetchTimeoutSeconds     int    `toml:"fetch_timeout_seconds"`
	StartTime               string `toml:"start_time"`
	StopTime                string `toml:"stop_time"`
	GapCheckIntervalMinutes int    `toml:"gap_check_interval_minutes"`
}

func (b BackfillConfig) PageDelay() time.Duration {
	return time.Duration(b.PageDelayMs) * time.Millisecond
}

func (b BackfillConfig) GapCheckInterval() time.Duration {
	return time.Duration(b.GapCheckIntervalMinutes) * time.Minute
}

// StartMillis 返回 backward 阶段的下限，未配置时为 0。
func (b BackfillConfig) StartMillis() (int64, error) {
	return ParseTimestamp(b.StartTime)
}

// StopMillis 返回固定的 stop time，未配置时为 0（即按当前已收盘 K 线计算）。
func (b BackfillConfig) StopMillis() (int64, error) {
	return ParseTimestamp(b.StopTime)
}

type StorageConfig struct {
	Driver      string `toml:"driver"` // sqlite | postgres | memory
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
	JournalPath string `toml:"journal_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	// Events 为需要推送的事件类型，见 KnownAlertEvents。
	Events []string `toml:"events"`
}

type TelegramConfig struct {
	Enabled    bool   `toml:"enabled"`
	BotToken   string `toml:"bot_token"`
	ChatID     string `toml:"chat_id"`
	APIBaseURL string `toml:"api_base_url"`
}

// KnownAlertEvents 与 ingest.EventKind 的取值一致。
var KnownAlertEvents = []string{"ingestion_lost", "backfill_failed", "backfill_done", "reconnected"}

type InstrumentConfig struct {
	Symbol   string `toml:"symbol" yaml:"symbol"`
	Interval string `toml:"interval" yaml:"interval"`
}

// ResolveInstruments 归一化并去重配置中的品种。
func ResolveInstruments(items []InstrumentConfig) ([]market.Instrument, error) {
	seen := make(map[market.Instrument]bool, len(items))
	out := make([]market.Instrument, 0, len(items))
	for i, item := range items {
		inst, err := market.NewInstrument(item.Symbol, item.Interval)
		if err != nil {
			return nil, fmt.Errorf("instruments[%d]: %w", i, err)
		}
		if seen[inst] {
			continue
		}
		seen[inst] = true
		out = append(out, inst)
	}
	return out, nil
}

// ParseTimestamp 接受空串、毫秒时间戳或 RFC3339 时间。
func ParseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("timestamp must be >= 0: %s", raw)
		}
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q (want epoch ms or RFC3339)", raw)
	}
	return t.UnixMilli(), nil
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
