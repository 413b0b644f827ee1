package config

import "strings"

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppLogFormat     = "text"
	defaultAppHTTPAddr      = ":9991"
	defaultExchangeMarket   = "futures"
	defaultHTTPTimeout      = 15
	defaultRequestsPerSec   = 10
	defaultRequestBurst     = 1
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30
	defaultReconnectBaseMs  = 1000
	defaultMaxAttempts      = 10
	defaultConnectTimeout   = 10
	defaultSubscribeTimeout = 5
	defaultPingInterval     = 30
	defaultQueueCapacity    = 64
	defaultQueueBatchSize   = 100
	defaultFlushIntervalMs  = 1000
	defaultWriteTimeout     = 30
	defaultMinPageCount     = 500
	defaultPageDelayMs      = 250
	defaultFetchTimeout     = 30
	defaultGapCheckMinutes  = 60
	defaultStorageDriver    = "sqlite"
	defaultSQLitePath       = "data/klines.db"
	defaultJournalPath      = "data/journal.db"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Stream.applyDefaults(keys)
	c.Queue.applyDefaults(keys)
	c.Backfill.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.InstrumentsFile = strings.TrimSpace(c.InstrumentsFile)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
	a.LogFormat = strings.ToLower(strings.TrimSpace(a.LogFormat))
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.market", &e.Market, defaultExchangeMarket),
		intFieldDefault("exchange.http_timeout_seconds", &e.HTTPTimeoutSeconds, defaultHTTPTimeout),
		intFieldDefault("exchange.request_burst", &e.RequestBurst, defaultRequestBurst),
		intFieldDefault("exchange.breaker.threshold", &e.Breaker.Threshold, defaultBreakerThreshold),
		intFieldDefault("exchange.breaker.cooldown_seconds", &e.Breaker.CooldownSeconds, defaultBreakerCooldown),
		fieldDefault{
			key:   "exchange.requests_per_second",
			need:  func() bool { return e.RequestsPerSecond <= 0 },
			apply: func() { e.RequestsPerSecond = defaultRequestsPerSec },
		},
	)
	e.Market = strings.ToLower(strings.TrimSpace(e.Market))
	e.RESTBaseURL = strings.TrimRight(strings.TrimSpace(e.RESTBaseURL), "/")
	e.StreamURL = strings.TrimSpace(e.StreamURL)
	e.Proxy.normalize()
}

func (s *StreamConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("stream.reconnect_base_ms", &s.ReconnectBaseMs, defaultReconnectBaseMs),
		intFieldDefault("stream.max_attempts", &s.MaxAttempts, defaultMaxAttempts),
		intFieldDefault("stream.connect_timeout_seconds", &s.ConnectTimeoutSeconds, defaultConnectTimeout),
		intFieldDefault("stream.subscribe_timeout_seconds", &s.SubscribeTimeoutSeconds, defaultSubscribeTimeout),
		intFieldDefault("stream.ping_interval_seconds", &s.PingIntervalSeconds, defaultPingInterval),
	)
	if s.ReadTimeoutSeconds < 0 {
		s.ReadTimeoutSeconds = 0
	}
}

func (q *QueueConfig) applyDefaults(keys keySet) {
	if q == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("queue.capacity", &q.Capacity, defaultQueueCapacity),
		intFieldDefault("queue.batch_size", &q.BatchSize, defaultQueueBatchSize),
		intFieldDefault("queue.flush_interval_ms", &q.FlushIntervalMs, defaultFlushIntervalMs),
		intFieldDefault("queue.write_timeout_seconds", &q.WriteTimeoutSeconds, defaultWriteTimeout),
	)
}

func (b *BackfillConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("backfill.min_page_count", &b.MinPageCount, defaultMinPageCount),
		intFieldDefault("backfill.fetch_timeout_seconds", &b.FetchTimeoutSeconds, defaultFetchTimeout),
		intFieldDefault("backfill.gap_check_interval_minutes", &b.GapCheckIntervalMinutes, defaultGapCheckMinutes),
		// page_delay_ms: 0 是合法的显式配置
		intFieldDefault("backfill.page_delay_ms", &b.PageDelayMs, defaultPageDelayMs),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.driver", &s.Driver, defaultStorageDriver),
		stringFieldDefault("storage.sqlite_path", &s.SQLitePath, defaultSQLitePath),
		stringFieldDefault("storage.journal_path", &s.JournalPath, defaultJournalPath),
	)
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	if !keys.isSet("notify.events") && len(n.Events) == 0 {
		n.Events = []string{"ingestion_lost", "backfill_failed"}
	}
	for i, ev := range n.Events {
		n.Events[i] = strings.ToLower(strings.TrimSpace(ev))
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
