package app

import (
	"fmt"
	"strings"

	"klinekeeper/internal/config"
	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"
)

type StartupSummary struct {
	Env         string
	Market      string
	RESTBaseURL string
	Storage     string
	Journal     string
	HTTPAddr    string
	Instruments []string
	Backfill    BackfillSummary
	Stream      StreamSummary
}

type BackfillSummary struct {
	MinPageCount int
	PageDelayMs  int
	StartTime    string
	StopTime     string
	GapCheck     string
}

type StreamSummary struct {
	ReconnectBaseMs int
	MaxAttempts     int
	QueueCapacity   int
	BatchSize       int
}

func newStartupSummary(cfg *config.Config, insts []market.Instrument) *StartupSummary {
	names := make([]string, 0, len(insts))
	for _, inst := range insts {
		names = append(names, inst.String())
	}
	storage := cfg.Storage.Driver
	switch cfg.Storage.Driver {
	case "sqlite":
		storage += " (" + cfg.Storage.SQLitePath + ")"
	case "postgres":
		storage += " (" + redactDSN(cfg.Storage.PostgresDSN) + ")"
	}
	gap := "disabled"
	if d := cfg.Backfill.GapCheckInterval(); d > 0 {
		gap = d.String()
	}
	return &StartupSummary{
		Env:         cfg.App.Env,
		Market:      cfg.Exchange.Market,
		RESTBaseURL: cfg.Exchange.RESTBaseURL,
		Storage:     storage,
		Journal:     cfg.Storage.JournalPath,
		HTTPAddr:    cfg.App.HTTPAddr,
		Instruments: names,
		Backfill: BackfillSummary{
			MinPageCount: cfg.Backfill.MinPageCount,
			PageDelayMs:  cfg.Backfill.PageDelayMs,
			StartTime:    cfg.Backfill.StartTime,
			StopTime:     cfg.Backfill.StopTime,
			GapCheck:     gap,
		},
		Stream: StreamSummary{
			ReconnectBaseMs: cfg.Stream.ReconnectBaseMs,
			MaxAttempts:     cfg.Stream.MaxAttempts,
			QueueCapacity:   cfg.Queue.Capacity,
			BatchSize:       cfg.Queue.BatchSize,
		},
	}
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	line := strings.Repeat("=", 64)
	b.WriteString(line + "\n")
	b.WriteString("启动配置摘要 (STARTUP SUMMARY)\n")
	b.WriteString(line + "\n")
	fmt.Fprintf(&b, "[交易所] %s rest=%s env=%s\n", s.Market, orDash(s.RESTBaseURL), s.Env)
	fmt.Fprintf(&b, "[存储] %s journal=%s\n", s.Storage, orDash(s.Journal))
	fmt.Fprintf(&b, "[品种] (%d) %s\n", len(s.Instruments), formatList(s.Instruments))
	fmt.Fprintf(&b, "[回补] min_page_count=%d page_delay=%dms start=%s stop=%s gap_check=%s\n",
		s.Backfill.MinPageCount, s.Backfill.PageDelayMs, orDash(s.Backfill.StartTime), orDash(s.Backfill.StopTime), s.Backfill.GapCheck)
	fmt.Fprintf(&b, "[实时] reconnect_base=%dms max_attempts=%d queue=%d batch=%d\n",
		s.Stream.ReconnectBaseMs, s.Stream.MaxAttempts, s.Stream.QueueCapacity, s.Stream.BatchSize)
	fmt.Fprintf(&b, "[HTTP] %s\n", s.HTTPAddr)
	b.WriteString(line)
	return b.String()
}

func (s *StartupSummary) Print() {
	logger.InfoBlock(s.String())
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// redactDSN 去掉 postgres://user:pass@ 中的密码。
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	cred := dsn[scheme+3 : at]
	if i := strings.Index(cred, ":"); i >= 0 {
		cred = cred[:i] + ":***"
	}
	return dsn[:scheme+3] + cred + dsn[at:]
}
