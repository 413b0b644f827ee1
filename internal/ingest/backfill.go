package ingest

import (
	"context"
	"fmt"
	"slices"
	"time"

	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type BackfillConfig struct {
	// MinCount is how many candles one page asks for.
	MinCount     int
	PageDelay    time.Duration
	FetchTimeout time.Duration
	// Floor is the oldest open time the backward phase may reach; 0 means as far
	// as the exchange has data.
	Floor int64
}

func (c BackfillConfig) withDefaults() BackfillConfig {
	if c.MinCount <= 0 {
		c.MinCount = 500
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.Floor < 0 {
		c.Floor = 0
	}
	return c
}

// RunResult summarises one worker run. ForwardPages and BackwardPages count pages
// that returned data; the empty page ending a phase is not counted.
type RunResult struct {
	StopTime      int64
	ForwardPages  int
	BackwardPages int
	Candles       int
	// Low and High are the oldest and newest open times this run touched.
	Low  int64
	High int64

	touched bool
}

func (r *RunResult) observe(page []market.Candle) {
	if len(page) == 0 {
		return
	}
	r.Candles += len(page)
	head, tail := page[0].OpenTime, page[len(page)-1].OpenTime
	if !r.touched || head < r.Low {
		r.Low = head
	}
	if !r.touched || tail > r.High {
		r.High = tail
	}
	r.touched = true
}

// Worker backfills one instrument: forward from the newest stored candle to the
// stop time, then backward from the oldest one until the exchange runs dry.
type Worker struct {
	inst    market.Instrument
	repo    market.Repository
	fetcher market.HistoricalFetcher
	queue   Enqueuer
	cfg     BackfillConfig
	pacer   *rate.Limiter
	log     *logrus.Entry
}

func NewWorker(inst market.Instrument, repo market.Repository, fetcher market.HistoricalFetcher, queue Enqueuer, cfg BackfillConfig) *Worker {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}
	return &Worker{
		inst:    inst,
		repo:    repo,
		fetcher: fetcher,
		queue:   queue,
		cfg:     cfg,
		pacer:   rate.NewLimiter(limit, 1),
		log:     logger.WithComponent("backfill").WithField("instrument", inst.String()),
	}
}

// Run executes the full forward-then-backward backfill up to stopTime (inclusive,
// the open time of the newest candle wanted). Cancellation is checked between pages.
func (w *Worker) Run(ctx context.Context, stopTime int64) (RunResult, error) {
	res := RunResult{StopTime: stopTime}
	last, err := w.repo.FindLast(ctx, w.inst)
	if err != nil {
		return res, fmt.Errorf("find last %s: %w", w.inst, err)
	}

	var seedHead int64 = -1
	if last == nil {
		page, err := w.seed(ctx, stopTime, &res)
		if err != nil {
			return res, err
		}
		if len(page) == 0 {
			w.log.Infof("no history up to %d, nothing to backfill", stopTime)
			return res, nil
		}
		seedHead = page[0].OpenTime
	} else if err := w.forward(ctx, last.OpenTime, stopTime, &res); err != nil {
		return res, err
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	// first is read again: the forward phase or live writes may have moved it
	first, err := w.repo.FindFirst(ctx, w.inst)
	if err != nil {
		return res, fmt.Errorf("find first %s: %w", w.inst, err)
	}
	cursor := seedHead
	if first != nil && (cursor < 0 || first.OpenTime < cursor) {
		cursor = first.OpenTime
	}
	if cursor < 0 {
		return res, nil
	}
	if err := w.backward(ctx, cursor, &res); err != nil {
		return res, err
	}
	w.log.Infof("backfill done: forward_pages=%d backward_pages=%d candles=%d range=[%d,%d]",
		res.ForwardPages, res.BackwardPages, res.Candles, res.Low, res.High)
	return res, nil
}

// Forward runs only the forward phase from the newest stored candle. It does
// nothing for an instrument with no stored candles.
func (w *Worker) Forward(ctx context.Context, stopTime int64) (RunResult, error) {
	res := RunResult{StopTime: stopTime}
	last, err := w.repo.FindLast(ctx, w.inst)
	if err != nil {
		return res, fmt.Errorf("find last %s: %w", w.inst, err)
	}
	if last == nil {
		return res, nil
	}
	err = w.forward(ctx, last.OpenTime, stopTime, &res)
	return res, err
}

// seed fetches the newest page ending at stopTime for an empty repository.
func (w *Worker) seed(ctx context.Context, stopTime int64, res *RunResult) ([]market.Candle, error) {
	start := w.inst.Interval.StartFromEnd(stopTime, w.cfg.MinCount)
	if start < w.cfg.Floor {
		start = w.cfg.Floor
	}
	if start < 0 {
		start = 0
	}
	page, err := w.fetch(ctx, market.Window{Start: start, End: stopTime})
	if err != nil || len(page) == 0 {
		return page, err
	}
	if err := w.queue.Enqueue(ctx, page); err != nil {
		return nil, err
	}
	res.ForwardPages++
	res.observe(page)
	return page, nil
}

func (w *Worker) forward(ctx context.Context, cursor, stopTime int64, res *RunResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		win, ok := market.ForwardWindow(w.inst.Interval, cursor, stopTime, w.cfg.MinCount)
		if !ok {
			return nil
		}
		page, err := w.fetch(ctx, win)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			w.log.Debugf("forward [%d,%d] empty, stop", win.Start, win.End)
			return nil
		}
		if err := w.queue.Enqueue(ctx, page); err != nil {
			return err
		}
		res.ForwardPages++
		res.observe(page)
		tail := page[len(page)-1].OpenTime
		if tail <= cursor {
			return nil
		}
		cursor = tail
		if cursor >= stopTime {
			return nil
		}
	}
}

func (w *Worker) backward(ctx context.Context, cursor int64, res *RunResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		win, ok := market.BackwardWindow(w.inst.Interval, cursor, w.cfg.Floor, w.cfg.MinCount)
		if !ok {
			return nil
		}
		page, err := w.fetch(ctx, win)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			w.log.Debugf("backward [%d,%d] empty, reached the beginning", win.Start, win.End)
			return nil
		}
		if err := w.queue.Enqueue(ctx, page); err != nil {
			return err
		}
		res.BackwardPages++
		res.observe(page)
		head := page[0].OpenTime
		if head >= cursor {
			return nil
		}
		cursor = head
	}
}

// fetch waits for the page pacer, then asks for win with a bounded timeout. Pages
// come back sorted and clipped to win.
func (w *Worker) fetch(ctx context.Context, win market.Window) ([]market.Candle, error) {
	if err := w.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	page, err := w.fetcher.FetchHistorical(fetchCtx, w.inst, win.Start, win.End)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &market.FetchError{Instrument: w.inst, Window: win, Err: err}
	}
	page = slices.DeleteFunc(slices.Clone(page), func(c market.Candle) bool {
		return c.OpenTime < win.Start || c.OpenTime > win.End
	})
	slices.SortFunc(page, func(a, b market.Candle) int {
		switch {
		case a.OpenTime < b.OpenTime:
			return -1
		case a.OpenTime > b.OpenTime:
			return 1
		default:
			return 0
		}
	})
	return page, nil
}
