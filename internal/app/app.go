package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"klinekeeper/internal/config"
	"klinekeeper/internal/config/loader"
	"klinekeeper/internal/gateway/notifier"
	"klinekeeper/internal/ingest"
	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"
	opshttp "klinekeeper/internal/transport/http/ops"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// App 负责应用级编排：加载配置→初始化依赖→启动采集与 ops HTTP。
type App struct {
	cfg         *config.Config
	repo        market.Repository
	feed        feedClient
	journal     journal
	instruments []market.Instrument
	instLoader  *loader.InstrumentLoader
	options     ingest.Options
	httpFn      func(opshttp.ServerConfig) (*opshttp.Server, error)
	alerts      chan ingest.Event
	forwarder   *notifier.Forwarder
	closers     []func() error
	Summary     *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动采集，阻塞到 ctx 取消，然后排空队列退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	sup, err := ingest.Start(ctx, a.repo, a.feed, a.instruments, a.options)
	if err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}

	srvCfg := opshttp.ServerConfig{
		Addr:       a.cfg.App.HTTPAddr,
		Status:     sup,
		Watermarks: a.repo,
		Feed:       a.feed,
	}
	if a.journal != nil {
		srvCfg.Runs = a.journal
	}
	srv, err := a.httpFn(srvCfg)
	if err != nil {
		_ = ingest.Shutdown(context.WithoutCancel(ctx), sup)
		return fmt.Errorf("build ops http server: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("ops http server error: %w", err)
		}
		return nil
	})
	if a.forwarder != nil {
		group.Go(func() error {
			a.forwarder.Run(gctx, a.alerts)
			return nil
		})
	}
	if a.instLoader != nil {
		group.Go(func() error {
			a.watchInstruments(gctx, sup)
			return nil
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Infof("shutting down ingestion...")
		return ingest.Shutdown(shCtx, sup)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchInstruments 把 instruments_file 中新增的品种交给 supervisor，删除只记录日志。
func (a *App) watchInstruments(ctx context.Context, sup *ingest.Supervisor) {
	updates := make(chan loader.InstrumentSnapshot, 1)
	a.instLoader.Subscribe(func(s loader.InstrumentSnapshot) {
		select {
		case updates <- s:
		case <-ctx.Done():
		}
	})
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			added := sup.AddInstruments(snap.Instruments)
			if len(added) > 0 {
				logger.Infof("instruments v%d: added %v", snap.Version, added)
			}
			current := make(map[market.Instrument]bool, len(snap.Instruments))
			for _, inst := range snap.Instruments {
				current[inst] = true
			}
			for _, inst := range sup.Instruments() {
				if !current[inst] && !a.isStatic(inst) {
					logger.Warnf("instrument %s removed from %s; live subscription is kept until restart", inst, a.cfg.InstrumentsFile)
				}
			}
		}
	}
}

func (a *App) isStatic(inst market.Instrument) bool {
	for _, it := range a.cfg.Instruments {
		if s, err := market.NewInstrument(it.Symbol, it.Interval); err == nil && s == inst {
			return true
		}
	}
	return false
}

func (a *App) close() {
	if a.instLoader != nil {
		_ = a.instLoader.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warnf("close: %v", err)
		}
	}
}
