package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"
	"klinekeeper/internal/scheduler"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const queueSettleTimeout = 5 * time.Second

type Options struct {
	Stream   StreamConfig
	Queue    QueueConfig
	Backfill BackfillConfig

	BatchSize     int
	FlushInterval time.Duration

	// StopTime pins the newest open time backfills aim for. 0 means the last
	// closed candle at the moment each run starts.
	StopTime int64
	// GapInterval schedules periodic gap audits; 0 disables them.
	GapInterval time.Duration

	// Journal is optional.
	Journal market.Journal
	// Alerts receives a copy of every event. Sends never block.
	Alerts chan<- Event

	nowFn func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.nowFn == nil {
		o.nowFn = time.Now
	}
	return o
}

const statusPending market.RunStatus = "pending"

type BackfillStatus struct {
	Instrument    market.Instrument `json:"instrument"`
	State         market.RunStatus  `json:"state"`
	Kind          market.RunKind    `json:"kind,omitempty"`
	RunID         string            `json:"run_id,omitempty"`
	ForwardPages  int               `json:"forward_pages"`
	BackwardPages int               `json:"backward_pages"`
	Candles       int               `json:"candles"`
	Low           int64             `json:"low,omitempty"`
	High          int64             `json:"high,omitempty"`
	LiveAnchor    int64             `json:"live_anchor,omitempty"`
	Error         string            `json:"error,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type Status struct {
	Stream    StreamStatus     `json:"stream"`
	Queue     QueueStats       `json:"queue"`
	Backfills []BackfillStatus `json:"backfills"`
	StartedAt time.Time        `json:"started_at"`
}

type instrumentState struct {
	worker *Worker
	// phase keeps forward and backward phases of one instrument sequential
	phase  sync.Mutex
	status BackfillStatus
}

// Supervisor wires the stream manager, the persistence queue and one backfill
// worker per instrument.
type Supervisor struct {
	repo    market.Repository
	feed    market.FeedClient
	opts    Options
	log     *logrus.Entry
	stream  *StreamManager
	queue   *Queue
	batcher *Batcher
	tracker *CandleTracker
	auditor *GapAuditor

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	queueDone chan struct{}
	events    chan Event
	startedAt time.Time

	mu          sync.Mutex
	instruments map[market.Instrument]*instrumentState
	stopped     bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Start brings the pipeline up: queue, message sink, connection, then one
// subscription and one backfill worker per instrument. It returns once every
// component runs. Cancelling ctx stops ingestion; Shutdown must still be called
// to drain the queue.
func Start(ctx context.Context, repo market.Repository, feed market.FeedClient, instruments []market.Instrument, opts Options) (*Supervisor, error) {
	if repo == nil || feed == nil {
		return nil, fmt.Errorf("repository and feed client are required")
	}
	insts, err := uniqueInstruments(instruments)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	runCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		repo:        repo,
		feed:        feed,
		opts:        opts,
		log:         logger.WithComponent("supervisor"),
		tracker:     NewCandleTracker(),
		ctx:         runCtx,
		cancel:      cancel,
		queueDone:   make(chan struct{}),
		events:      make(chan Event, 64),
		startedAt:   opts.nowFn(),
		instruments: make(map[market.Instrument]*instrumentState),
	}
	s.queue = NewQueue(repo, opts.Queue)
	s.batcher = NewBatcher(s.queue, opts.BatchSize)
	s.auditor = NewGapAuditor(repo, feed, s.queue, opts.Backfill)
	s.stream = NewStreamManager(feed, opts.Stream)

	go func() {
		defer close(s.queueDone)
		s.queue.Run(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.messageLoop(runCtx)
	}()

	if err := s.stream.Connect(ctx); err != nil {
		cancel()
		s.wg.Wait()
		_ = s.queue.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.stream.Run(runCtx); err != nil {
			s.log.Errorf("stream manager: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.eventLoop(runCtx)
	}()

	for _, inst := range insts {
		s.addInstrument(runCtx, inst)
	}

	if s.auditor != nil && opts.GapInterval > 0 {
		sched := scheduler.NewAlignedScheduler("gap-audit", opts.GapInterval, 30*time.Second)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sched.Start(runCtx, s.auditAll)
		}()
	}
	s.log.Infof("ingestion started: %d instrument(s)", len(insts))
	return s, nil
}

// Shutdown is the package-level form of s.Shutdown.
func Shutdown(ctx context.Context, s *Supervisor) error {
	if s == nil {
		return nil
	}
	return s.Shutdown(ctx)
}

// Shutdown stops reconnecting and backfilling, flushes buffered live candles and
// blocks until the queue has drained or ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		var errs []error
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for ingestion goroutines: %w", ctx.Err()))
		}
		if err := s.batcher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush live candles: %w", err))
		}
		if err := s.queue.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain queue: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
		stats := s.queue.Stats()
		s.log.Infof("ingestion stopped: enqueued=%d written=%d dropped=%d", stats.Enqueued, stats.Written, stats.Dropped)
	})
	return s.shutdownErr
}

// AddInstruments subscribes and backfills instruments that are not tracked yet.
func (s *Supervisor) AddInstruments(instruments []market.Instrument) []market.Instrument {
	var added []market.Instrument
	for _, inst := range instruments {
		if !inst.Interval.Valid() || inst.Symbol == "" {
			s.log.Warnf("skip invalid instrument %q", inst.String())
			continue
		}
		if s.addInstrument(s.ctx, inst) {
			added = append(added, inst)
		}
	}
	return added
}

func (s *Supervisor) addInstrument(ctx context.Context, inst market.Instrument) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.instruments[inst]; ok {
		s.mu.Unlock()
		return false
	}
	st := &instrumentState{
		worker: NewWorker(inst, s.repo, s.feed, s.queue, s.opts.Backfill),
		status: BackfillStatus{Instrument: inst, State: statusPending, UpdatedAt: s.opts.nowFn()},
	}
	s.instruments[inst] = st
	s.mu.Unlock()

	if err := s.stream.Subscribe(ctx, inst); err != nil {
		var terr *market.TransportError
		if !errors.As(err, &terr) {
			s.log.Warnf("subscribe %s: %v", inst, err)
		}
	}
	s.launch(ctx, inst, st, market.RunFull)
	return true
}

func (s *Supervisor) launch(ctx context.Context, inst market.Instrument, st *instrumentState, kind market.RunKind) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st.phase.Lock()
		defer st.phase.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.runBackfill(ctx, inst, st, kind)
	}()
}

func (s *Supervisor) runBackfill(ctx context.Context, inst market.Instrument, st *instrumentState, kind market.RunKind) {
	stop := s.opts.StopTime
	if stop <= 0 {
		stop = inst.Interval.LastClosed(s.opts.nowFn())
	}
	run := market.BackfillRun{
		ID:         uuid.NewString(),
		Instrument: inst,
		Kind:       kind,
		Status:     market.RunRunning,
		StopTime:   stop,
		StartedAt:  s.opts.nowFn(),
	}
	s.journalRun(ctx, run, true)
	s.setStatus(inst, func(b *BackfillStatus) {
		b.State = market.RunRunning
		b.Kind = kind
		b.RunID = run.ID
		b.Error = ""
	})

	var (
		res RunResult
		err error
	)
	if kind == market.RunForward {
		res, err = st.worker.Forward(ctx, stop)
	} else {
		res, err = st.worker.Run(ctx, stop)
	}
	run.ForwardPages, run.BackwardPages, run.Candles = res.ForwardPages, res.BackwardPages, res.Candles
	run.Low, run.High = res.Low, res.High
	run.FinishedAt = s.opts.nowFn()

	switch {
	case err == nil:
		run.Status = market.RunDone
		s.post(ctx, Event{Kind: EventBackfillDone, Instrument: inst, RunID: run.ID, At: run.FinishedAt})
	case ctx.Err() != nil || errors.Is(err, market.ErrQueueClosed):
		run.Status = market.RunCancelled
		run.Error = err.Error()
	default:
		run.Status = market.RunFailed
		run.Error = err.Error()
		s.post(ctx, Event{Kind: EventBackfillFailed, Instrument: inst, RunID: run.ID, Err: err, At: run.FinishedAt})
	}
	s.journalRun(ctx, run, false)
	s.setStatus(inst, func(b *BackfillStatus) {
		b.State = run.Status
		b.ForwardPages += res.ForwardPages
		b.BackwardPages += res.BackwardPages
		b.Candles += res.Candles
		if res.Candles > 0 {
			if b.Low == 0 || res.Low < b.Low {
				b.Low = res.Low
			}
			if res.High > b.High {
				b.High = res.High
			}
		}
		b.Error = run.Error
	})
	if run.Status == market.RunDone && s.auditor != nil {
		if !s.waitQueueIdle(ctx, queueSettleTimeout) {
			s.log.Debugf("queue still busy after %s run %s, leave %s to the scheduled audit", kind, run.ID, inst)
			return
		}
		s.audit(ctx, inst)
	}
}

// waitQueueIdle gives the run's pages time to reach the repository so the audit
// does not mistake queued candles for holes.
func (s *Supervisor) waitQueueIdle(ctx context.Context, timeout time.Duration) bool {
	if s.queue.Idle() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
			if s.queue.Idle() {
				return true
			}
		}
	}
}

func (s *Supervisor) audit(ctx context.Context, inst market.Instrument) {
	report, err := s.auditor.Audit(ctx, inst)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warnf("gap audit %s: %v", inst, err)
			var ferr *market.FetchError
			if errors.As(err, &ferr) {
				s.post(ctx, Event{Kind: EventBackfillFailed, Instrument: inst, Err: err, At: s.opts.nowFn()})
			}
		}
		return
	}
	if report.Filled > 0 {
		s.setStatus(inst, func(b *BackfillStatus) { b.Candles += report.Filled })
	}
}

func (s *Supervisor) auditAll(ctx context.Context) {
	for _, inst := range s.Instruments() {
		st := s.state(inst)
		if st == nil {
			continue
		}
		st.phase.Lock()
		s.audit(ctx, inst)
		st.phase.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Supervisor) messageLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	msgs := s.stream.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-msgs:
			ev, ok, err := s.feed.DecodeMessage(payload)
			if err != nil {
				s.log.Warnf("skip message: %v", err)
				continue
			}
			if !ok {
				continue
			}
			closed := s.tracker.Observe(ev)
			if len(closed) == 0 {
				continue
			}
			if err := s.batcher.Add(ctx, closed...); err != nil && ctx.Err() == nil {
				s.log.Warnf("enqueue live candles: %v", err)
			}
		case <-ticker.C:
			if err := s.batcher.Flush(ctx); err != nil && ctx.Err() == nil {
				s.log.Warnf("flush live candles: %v", err)
			}
		}
	}
}

func (s *Supervisor) eventLoop(ctx context.Context) {
	streamEvents := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-streamEvents:
			s.handleEvent(ctx, ev)
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventReconnected:
		s.log.Infof("stream reconnected after %d attempt(s), re-arming forward backfill", ev.Attempts)
		for _, inst := range s.Instruments() {
			if st := s.state(inst); st != nil {
				s.launch(ctx, inst, st, market.RunForward)
			}
		}
	case EventIngestionLost:
		s.log.Errorf("live ingestion lost after %d attempt(s): %v", ev.Attempts, ev.Err)
	case EventBackfillFailed:
		s.log.Errorf("backfill %s failed (run %s): %v", ev.Instrument, ev.RunID, ev.Err)
	case EventBackfillDone:
		s.log.Debugf("backfill %s done (run %s)", ev.Instrument, ev.RunID)
	}
	if s.opts.Journal != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.opts.Journal.RecordEvent(jctx, ev.journalEntry()); err != nil {
			s.log.Warnf("journal event %s: %v", ev.Kind, err)
		}
		cancel()
	}
	if s.opts.Alerts != nil {
		select {
		case s.opts.Alerts <- ev:
		default:
		}
	}
}

func (s *Supervisor) post(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Supervisor) journalRun(ctx context.Context, run market.BackfillRun, started bool) {
	if s.opts.Journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var err error
	if started {
		err = s.opts.Journal.RunStarted(jctx, run)
	} else {
		err = s.opts.Journal.RunFinished(jctx, run)
	}
	if err != nil {
		s.log.Warnf("journal run %s: %v", run.ID, err)
	}
}

func (s *Supervisor) state(inst market.Instrument) *instrumentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruments[inst]
}

func (s *Supervisor) setStatus(inst market.Instrument, fn func(*BackfillStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instruments[inst]
	if !ok {
		return
	}
	fn(&st.status)
	st.status.UpdatedAt = s.opts.nowFn()
}

// Instruments returns the tracked instruments in a stable order.
func (s *Supervisor) Instruments() []market.Instrument {
	s.mu.Lock()
	out := make([]market.Instrument, 0, len(s.instruments))
	for inst := range s.instruments {
		out = append(out, inst)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Supervisor) Status() Status {
	out := Status{
		Stream:    s.stream.Status(),
		Queue:     s.queue.Stats(),
		StartedAt: s.startedAt,
	}
	for _, inst := range s.Instruments() {
		s.mu.Lock()
		b := s.instruments[inst].status
		s.mu.Unlock()
		if anchor, ok := s.tracker.Anchor(inst); ok {
			b.LiveAnchor = anchor
		}
		out.Backfills = append(out.Backfills, b)
	}
	return out
}

func (s *Supervisor) Stream() *StreamManager { return s.stream }

func (s *Supervisor) Queue() *Queue { return s.queue }

func uniqueInstruments(in []market.Instrument) ([]market.Instrument, error) {
	seen := make(map[market.Instrument]struct{}, len(in))
	out := make([]market.Instrument, 0, len(in))
	for _, inst := range in {
		if inst.Symbol == "" {
			return nil, fmt.Errorf("instrument without symbol")
		}
		if !inst.Interval.Valid() {
			return nil, fmt.Errorf("%s: %w", inst, market.ErrInvalidInterval)
		}
		if _, ok := seen[inst]; ok {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	return out, nil
}
