package ingest

import (
	"context"
	"fmt"
	"time"

	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"

	"github.com/sirupsen/logrus"
)

// auditSpan bounds how many open times one MissingOpenTimes call scans.
const auditSpan = 10000

type GapReport struct {
	Instrument market.Instrument `json:"instrument"`
	From       int64             `json:"from"`
	To         int64             `json:"to"`
	Missing    int               `json:"missing"`
	Runs       int               `json:"runs"`
	Filled     int               `json:"filled"`
	// Unfillable counts missing open times the exchange had no data for.
	Unfillable int `json:"unfillable"`
}

// GapAuditor finds holes between the oldest and newest stored candle and
// refetches them.
type GapAuditor struct {
	repo    market.Repository
	finder  market.GapFinder
	fetcher market.HistoricalFetcher
	queue   Enqueuer
	cfg     BackfillConfig
	log     *logrus.Entry
}

// NewGapAuditor returns nil when repo cannot report missing open times.
func NewGapAuditor(repo market.Repository, fetcher market.HistoricalFetcher, queue Enqueuer, cfg BackfillConfig) *GapAuditor {
	finder, ok := repo.(market.GapFinder)
	if !ok {
		return nil
	}
	return &GapAuditor{
		repo:    repo,
		finder:  finder,
		fetcher: fetcher,
		queue:   queue,
		cfg:     cfg.withDefaults(),
		log:     logger.WithComponent("gap"),
	}
}

func (a *GapAuditor) Audit(ctx context.Context, inst market.Instrument) (GapReport, error) {
	report := GapReport{Instrument: inst}
	first, err := a.repo.FindFirst(ctx, inst)
	if err != nil {
		return report, fmt.Errorf("find first %s: %w", inst, err)
	}
	last, err := a.repo.FindLast(ctx, inst)
	if err != nil {
		return report, fmt.Errorf("find last %s: %w", inst, err)
	}
	if first == nil || last == nil {
		return report, nil
	}
	report.From, report.To = first.OpenTime, last.OpenTime
	iv := inst.Interval
	for from := first.OpenTime; from <= last.OpenTime; {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		to := iv.EndFromStart(from, auditSpan)
		if to > last.OpenTime {
			to = last.OpenTime
		}
		missing, err := a.finder.MissingOpenTimes(ctx, inst, from, to)
		if err != nil {
			return report, fmt.Errorf("missing open times %s [%d,%d]: %w", inst, from, to, err)
		}
		report.Missing += len(missing)
		for _, run := range market.GroupRuns(iv, missing, a.cfg.MinCount) {
			if err := a.fill(ctx, inst, run, &report); err != nil {
				return report, err
			}
		}
		from = iv.NextTime(to)
	}
	if report.Missing > 0 {
		a.log.WithField("instrument", inst.String()).Infof("gap audit: missing=%d runs=%d filled=%d unfillable=%d",
			report.Missing, report.Runs, report.Filled, report.Unfillable)
	}
	return report, nil
}

func (a *GapAuditor) fill(ctx context.Context, inst market.Instrument, run market.Window, report *GapReport) error {
	fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()
	page, err := a.fetcher.FetchHistorical(fetchCtx, inst, run.Start, run.End)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &market.FetchError{Instrument: inst, Window: run, Err: err}
	}
	report.Runs++
	expected := run.Count(inst.Interval)
	if len(page) == 0 {
		report.Unfillable += expected
		return nil
	}
	if err := a.queue.Enqueue(ctx, page); err != nil {
		return err
	}
	report.Filled += len(page)
	if len(page) < expected {
		report.Unfillable += expected - len(page)
	}
	if a.cfg.PageDelay > 0 {
		timer := time.NewTimer(a.cfg.PageDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
