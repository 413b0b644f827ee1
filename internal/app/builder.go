package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"klinekeeper/internal/config"
	"klinekeeper/internal/config/loader"
	"klinekeeper/internal/gateway/binance"
	"klinekeeper/internal/gateway/notifier"
	"klinekeeper/internal/ingest"
	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"
	"klinekeeper/internal/store"
	"klinekeeper/internal/store/gormstore"
	"klinekeeper/internal/store/postgres"
	"klinekeeper/internal/store/sqlite"
	opshttp "klinekeeper/internal/transport/http/ops"

	"gorm.io/gorm"
)

type feedClient interface {
	market.FeedClient
	Stats() market.SourceStats
}

type journal interface {
	market.Journal
	ListRuns(ctx context.Context, limit int) ([]market.BackfillRun, error)
	ListEvents(ctx context.Context, limit int) ([]market.IngestEvent, error)
}

// storage 汇总存储层构建结果，closers 按打开顺序排列。
type storage struct {
	repo    market.Repository
	journal journal
	closers []func() error
}

type AppBuilder struct {
	cfg *config.Config

	storageFn func(context.Context, config.StorageConfig) (*storage, error)
	feedFn    func(config.ExchangeConfig, config.StreamConfig) (feedClient, error)
	loaderFn  func(string) (*loader.InstrumentLoader, error)
	httpFn    func(opshttp.ServerConfig) (*opshttp.Server, error)
	alertsFn  func(config.NotifyConfig) notifier.TextNotifier
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		storageFn: buildStorage,
		feedFn:    buildFeed,
		loaderFn:  loader.NewInstrumentLoader,
		httpFn:    opshttp.NewServer,
		alertsFn:  buildAlertSink,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	opts, err := ingestOptions(cfg)
	if err != nil {
		return nil, err
	}
	insts, err := config.ResolveInstruments(cfg.Instruments)
	if err != nil {
		return nil, err
	}

	var instLoader *loader.InstrumentLoader
	if cfg.InstrumentsFile != "" {
		instLoader, err = b.loaderFn(cfg.InstrumentsFile)
		if err != nil {
			return nil, fmt.Errorf("load instruments_file: %w", err)
		}
		insts = mergeInstruments(insts, instLoader.Snapshot().Instruments)
	}
	if len(insts) == 0 {
		if instLoader != nil {
			_ = instLoader.Close()
		}
		return nil, fmt.Errorf("no instruments configured")
	}

	feed, err := b.feedFn(cfg.Exchange, cfg.Stream)
	if err != nil {
		if instLoader != nil {
			_ = instLoader.Close()
		}
		return nil, fmt.Errorf("build binance client: %w", err)
	}
	st, err := b.storageFn(ctx, cfg.Storage)
	if err != nil {
		if instLoader != nil {
			_ = instLoader.Close()
		}
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st.journal != nil {
		opts.Journal = st.journal
	}

	app := &App{
		cfg:         cfg,
		repo:        st.repo,
		feed:        feed,
		journal:     st.journal,
		instruments: insts,
		instLoader:  instLoader,
		options:     opts,
		httpFn:      b.httpFn,
		closers:     st.closers,
	}
	if sink := b.alertsFn(cfg.Notify); sink != nil {
		alerts := make(chan ingest.Event, 64)
		app.options.Alerts = alerts
		app.alerts = alerts
		app.forwarder = notifier.NewForwarder(sink, cfg.Notify.Events)
	}
	app.Summary = newStartupSummary(cfg, insts)
	return app, nil
}

// ingestOptions 把配置换算成 supervisor 参数。
func ingestOptions(cfg *config.Config) (ingest.Options, error) {
	start, err := cfg.Backfill.StartMillis()
	if err != nil {
		return ingest.Options{}, fmt.Errorf("backfill.start_time: %w", err)
	}
	stop, err := cfg.Backfill.StopMillis()
	if err != nil {
		return ingest.Options{}, fmt.Errorf("backfill.stop_time: %w", err)
	}
	return ingest.Options{
		Stream: ingest.StreamConfig{
			ReconnectBase:    cfg.Stream.ReconnectBase(),
			MaxAttempts:      cfg.Stream.MaxAttempts,
			ConnectTimeout:   seconds(cfg.Stream.ConnectTimeoutSeconds),
			SubscribeTimeout: seconds(cfg.Stream.SubscribeTimeoutSeconds),
		},
		Queue: ingest.QueueConfig{
			Capacity:     cfg.Queue.Capacity,
			WriteTimeout: seconds(cfg.Queue.WriteTimeoutSeconds),
		},
		Backfill: ingest.BackfillConfig{
			MinCount:     cfg.Backfill.MinPageCount,
			PageDelay:    cfg.Backfill.PageDelay(),
			FetchTimeout: seconds(cfg.Backfill.FetchTimeoutSeconds),
			Floor:        start,
		},
		BatchSize:     cfg.Queue.BatchSize,
		FlushInterval: cfg.Queue.FlushInterval(),
		StopTime:      stop,
		GapInterval:   cfg.Backfill.GapCheckInterval(),
	}, nil
}

func buildFeed(ex config.ExchangeConfig, st config.StreamConfig) (feedClient, error) {
	client, err := binance.New(binance.Config{
		Market:            binance.MarketKind(ex.Market),
		RESTBaseURL:       ex.RESTBaseURL,
		StreamURL:         ex.StreamURL,
		APIKey:            ex.APIKey,
		APISecret:         ex.APISecret,
		HTTPTimeout:       seconds(ex.HTTPTimeoutSeconds),
		RequestsPerSecond: ex.RequestsPerSecond,
		RequestBurst:      ex.RequestBurst,
		ProxyEnabled:      ex.Proxy.Enabled,
		RESTProxyURL:      ex.Proxy.RESTURL,
		WSProxyURL:        ex.Proxy.WSURL,
		BreakerThreshold:  ex.Breaker.Threshold,
		BreakerCooldown:   seconds(ex.Breaker.CooldownSeconds),
		HandshakeTimeout:  seconds(st.ConnectTimeoutSeconds),
		ReadTimeout:       seconds(st.ReadTimeoutSeconds),
		PingInterval:      seconds(st.PingIntervalSeconds),
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildAlertSink(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return nil
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID, tg.APIBaseURL)
}

func buildStorage(ctx context.Context, cfg config.StorageConfig) (*storage, error) {
	out := &storage{}
	var kline *gorm.DB
	switch cfg.Driver {
	case "memory":
		out.repo = store.NewMemoryRepository()
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		out.repo = pg
		out.closers = append(out.closers, func() error { pg.Close(); return nil })
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo, err := sqlite.NewCandleRepository(db)
		if err != nil {
			_ = sqlite.Close(db)
			return nil, err
		}
		kline = db
		out.repo = repo
		out.closers = append(out.closers, func() error { return sqlite.Close(db) })
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	path := strings.TrimSpace(cfg.JournalPath)
	if path == "" {
		logger.Warnf("storage.journal_path 为空，回补记录不落库")
		return out, nil
	}
	jdb := kline
	if jdb == nil || path != strings.TrimSpace(cfg.SQLitePath) {
		db, err := sqlite.Open(path)
		if err != nil {
			out.close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		jdb = db
		out.closers = append(out.closers, func() error { return sqlite.Close(db) })
	}
	j, err := gormstore.NewRunJournal(jdb)
	if err != nil {
		out.close()
		return nil, err
	}
	out.journal = j
	return out, nil
}

func (s *storage) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func mergeInstruments(base, extra []market.Instrument) []market.Instrument {
	seen := make(map[market.Instrument]bool, len(base)+len(extra))
	out := make([]market.Instrument, 0, len(base)+len(extra))
	for _, list := range [][]market.Instrument{base, extra} {
		for _, inst := range list {
			if seen[inst] {
				continue
			}
			seen[inst] = true
			out = append(out, inst)
		}
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
