package config

import (
	"fmt"
	"slices"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Stream.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	if err := c.Backfill.validate(c.Exchange.Market); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if len(c.Instruments) == 0 && c.InstrumentsFile == "" {
		return fmt.Errorf("instruments requires at least one entry (or set instruments_file)")
	}
	if _, err := ResolveInstruments(c.Instruments); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch a.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format only supports text|json, got %s", a.LogFormat)
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Market {
	case "futures", "spot":
	default:
		return fmt.Errorf("exchange.market only supports futures|spot, got %s", e.Market)
	}
	if e.Proxy.Enabled && e.Proxy.RESTURL == "" && e.Proxy.WSURL == "" {
		return fmt.Errorf("exchange.proxy enabled but no rest_url or ws_url")
	}
	if e.RequestBurst < 1 {
		return fmt.Errorf("exchange.request_burst must be >= 1")
	}
	return nil
}

func (s *StreamConfig) validate() error {
	if s.MaxAttempts < 1 {
		return fmt.Errorf("stream.max_attempts must be >= 1")
	}
	if s.ReconnectBaseMs <= 0 {
		return fmt.Errorf("stream.reconnect_base_ms must be > 0")
	}
	return nil
}

func (q *QueueConfig) validate() error {
	if q.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be >= 1")
	}
	if q.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be >= 1")
	}
	return nil
}

func (b *BackfillConfig) validate(marketKind string) error {
	limit := 1500
	if marketKind == "spot" {
		limit = 1000
	}
	if b.MinPageCount < 1 || b.MinPageCount > limit {
		return fmt.Errorf("backfill.min_page_count must be in [1,%d] for %s", limit, marketKind)
	}
	if b.PageDelayMs < 0 {
		return fmt.Errorf("backfill.page_delay_ms must be >= 0")
	}
	start, err := b.StartMillis()
	if err != nil {
		return fmt.Errorf("backfill.start_time: %w", err)
	}
	stop, err := b.StopMillis()
	if err != nil {
		return fmt.Errorf("backfill.stop_time: %w", err)
	}
	if stop > 0 && start > stop {
		return fmt.Errorf("backfill.start_time must not be after stop_time")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path cannot be empty")
		}
	case "postgres":
		if strings.TrimSpace(s.PostgresDSN) == "" {
			return fmt.Errorf("storage.postgres_dsn cannot be empty when driver=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver only supports sqlite|postgres|memory, got %s", s.Driver)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	for _, ev := range n.Events {
		if !slices.Contains(KnownAlertEvents, ev) {
			return fmt.Errorf("notify.events contains unknown event %q", ev)
		}
	}
	return nil
}
