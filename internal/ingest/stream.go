package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"

	"github.com/sirupsen/logrus"
)

// ConnState is the stream connection state. Subscriptions go out only in Connected.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type StreamConfig struct {
	ReconnectBase  time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	// SubscribeTimeout bounds a single subscribe write.
	SubscribeTimeout time.Duration
	MessageBuffer    int
	EventBuffer      int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = 256
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 16
	}
	return c
}

// backoff is linear: base * attempt.
func (c StreamConfig) backoff(attempt int) time.Duration {
	return c.ReconnectBase * time.Duration(attempt)
}

type StreamStatus struct {
	State         ConnState `json:"state"`
	Subscriptions []string  `json:"subscriptions"`
	Reconnects    int       `json:"reconnects"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

type subscribeCmd struct {
	inst market.Instrument
	done chan error
}

type inbound struct {
	gen     int
	payload []byte
	err     error
}

// StreamManager keeps one live connection and the subscription set across
// disconnects. After Run starts, connection and subscriptions belong to the Run
// goroutine; other goroutines talk to it through Subscribe.
type StreamManager struct {
	dialer market.StreamDialer
	cfg    StreamConfig
	log    *logrus.Entry

	subCh    chan subscribeCmd
	messages chan []byte
	events   chan Event
	running  atomic.Bool
	stopped  chan struct{}

	// owned by Connect before Run, by Run afterwards
	conn  market.Connection
	subs  map[market.Instrument]struct{}
	state ConnState

	mu     sync.RWMutex
	status StreamStatus

	waitFn func(ctx context.Context, d time.Duration) bool
}

func NewStreamManager(dialer market.StreamDialer, cfg StreamConfig) *StreamManager {
	cfg = cfg.withDefaults()
	return &StreamManager{
		dialer:   dialer,
		cfg:      cfg,
		log:      logger.WithComponent("stream"),
		subCh:    make(chan subscribeCmd),
		messages: make(chan []byte, cfg.MessageBuffer),
		events:   make(chan Event, cfg.EventBuffer),
		stopped:  make(chan struct{}),
		subs:     make(map[market.Instrument]struct{}),
		waitFn:   sleepCtx,
	}
}

// Messages is the sink every inbound payload is handed to, in arrival order.
func (m *StreamManager) Messages() <-chan []byte { return m.messages }

func (m *StreamManager) Events() <-chan Event { return m.events }

// Connect dials the first connection. It must be called before Run.
func (m *StreamManager) Connect(ctx context.Context) error {
	if m.running.Load() {
		return fmt.Errorf("stream manager already running")
	}
	if m.conn != nil {
		return nil
	}
	m.setState(Connecting)
	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(Disconnected)
		m.setLastError(err)
		return err
	}
	m.conn = conn
	m.setState(Connected)
	return nil
}

func (m *StreamManager) dial(ctx context.Context) (market.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.dialer.ConnectStream(dialCtx)
	if err != nil {
		var terr *market.TransportError
		if !errors.As(err, &terr) {
			err = &market.TransportError{Op: "dial", Err: err}
		}
		return nil, err
	}
	return conn, nil
}

// Subscribe adds inst to the subscription set and sends it right away when the
// stream is connected. Subscribing twice is a no-op. While reconnecting the
// instrument is only recorded; the reconnect sends it.
func (m *StreamManager) Subscribe(ctx context.Context, inst market.Instrument) error {
	cmd := subscribeCmd{inst: inst, done: make(chan error, 1)}
	select {
	case m.subCh <- cmd:
	case <-m.stopped:
		return market.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run pumps messages until ctx ends. Transport failures trigger the reconnect
// protocol; exhausting it leaves the manager Disconnected but still accepting
// subscriptions.
func (m *StreamManager) Run(ctx context.Context) error {
	if m.conn == nil {
		return market.ErrNotConnected
	}
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("stream manager already running")
	}
	defer close(m.stopped)

	in := make(chan inbound)
	gen := 0
	var stopPump context.CancelFunc
	startPump := func() {
		gen++
		pumpCtx, cancel := context.WithCancel(ctx)
		stopPump = cancel
		go pump(pumpCtx, m.conn, gen, in)
	}
	teardown := func() {
		if stopPump != nil {
			stopPump()
			stopPump = nil
		}
		if m.conn != nil {
			if err := m.conn.Close(); err != nil {
				m.log.Debugf("close connection: %v", err)
			}
			m.conn = nil
		}
	}
	defer teardown()

	m.markConnected()
	startPump()

	for {
		select {
		case <-ctx.Done():
			m.setState(Disconnected)
			return nil
		case cmd := <-m.subCh:
			cmd.done <- m.handleSubscribe(ctx, cmd.inst)
		case msg := <-in:
			if msg.gen != gen {
				continue
			}
			if msg.err != nil {
				if ctx.Err() != nil {
					m.setState(Disconnected)
					return nil
				}
				m.log.Warnf("connection lost: %v", msg.err)
				m.setLastError(msg.err)
				teardown()
				if m.reconnect(ctx) {
					startPump()
				}
				continue
			}
			select {
			case m.messages <- msg.payload:
			case <-ctx.Done():
				m.setState(Disconnected)
				return nil
			}
		}
	}
}

func pump(ctx context.Context, conn market.Connection, gen int, out chan<- inbound) {
	for {
		payload, err := conn.NextMessage(ctx)
		select {
		case out <- inbound{gen: gen, payload: payload, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *StreamManager) handleSubscribe(ctx context.Context, inst market.Instrument) error {
	if _, ok := m.subs[inst]; ok {
		return nil
	}
	m.subs[inst] = struct{}{}
	m.publishSubscriptions()
	if m.state != Connected || m.conn == nil {
		m.log.Infof("subscription %s recorded while %s", inst, m.state)
		return nil
	}
	if err := m.sendSubscribe(ctx, inst); err != nil {
		// stays in the set; the read side will fail too and the reconnect resends it
		m.log.Warnf("subscribe %s: %v", inst, err)
		m.setLastError(err)
		return err
	}
	m.log.Infof("subscribed %s", inst)
	return nil
}

func (m *StreamManager) sendSubscribe(ctx context.Context, inst market.Instrument) error {
	subCtx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
	defer cancel()
	return m.conn.Subscribe(subCtx, inst)
}

// reconnect runs the linear-backoff protocol. It returns false when attempts are
// exhausted or ctx ended.
func (m *StreamManager) reconnect(ctx context.Context) bool {
	m.setState(Reconnecting)
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && !m.waitServing(ctx, m.cfg.backoff(attempt-1)) {
			return false
		}
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			lastErr = err
			m.setLastError(err)
			m.log.Warnf("reconnect attempt %d/%d failed: %v", attempt, m.cfg.MaxAttempts, err)
			continue
		}
		m.conn = conn
		if err := m.resubscribeAll(ctx); err != nil {
			lastErr = err
			m.setLastError(err)
			m.log.Warnf("reconnect attempt %d/%d resubscribe failed: %v", attempt, m.cfg.MaxAttempts, err)
			_ = conn.Close()
			m.conn = nil
			continue
		}
		m.setState(Connected)
		m.mu.Lock()
		m.status.Reconnects++
		m.status.ConnectedAt = time.Now()
		m.status.LastError = ""
		m.mu.Unlock()
		m.log.Infof("reconnected after %d attempt(s), %d subscription(s) restored", attempt, len(m.subs))
		m.emit(ctx, Event{Kind: EventReconnected, Attempts: attempt, At: time.Now()})
		return true
	}
	m.setState(Disconnected)
	m.log.Errorf("ingestion lost: %d reconnect attempts exhausted: %v", m.cfg.MaxAttempts, lastErr)
	m.emit(ctx, Event{Kind: EventIngestionLost, Attempts: m.cfg.MaxAttempts, Err: lastErr, At: time.Now()})
	return false
}

func (m *StreamManager) resubscribeAll(ctx context.Context) error {
	for _, inst := range m.sortedSubs() {
		if err := m.sendSubscribe(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// waitServing sleeps d while still recording new subscriptions.
func (m *StreamManager) waitServing(ctx context.Context, d time.Duration) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	elapsed := make(chan bool, 1)
	go func() { elapsed <- m.waitFn(waitCtx, d) }()
	for {
		select {
		case ok := <-elapsed:
			return ok && ctx.Err() == nil
		case cmd := <-m.subCh:
			cmd.done <- m.handleSubscribe(ctx, cmd.inst)
		}
	}
}

// markConnected stamps the time of the first connection.
func (m *StreamManager) markConnected() {
	m.mu.Lock()
	if m.status.ConnectedAt.IsZero() {
		m.status.ConnectedAt = time.Now()
	}
	m.mu.Unlock()
}

func (m *StreamManager) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *StreamManager) sortedSubs() []market.Instrument {
	out := make([]market.Instrument, 0, len(m.subs))
	for inst := range m.subs {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (m *StreamManager) publishSubscriptions() {
	names := make([]string, 0, len(m.subs))
	for _, inst := range m.sortedSubs() {
		names = append(names, inst.String())
	}
	m.mu.Lock()
	m.status.Subscriptions = names
	m.mu.Unlock()
}

func (m *StreamManager) setState(s ConnState) {
	m.state = s
	m.mu.Lock()
	m.status.State = s
	m.mu.Unlock()
}

func (m *StreamManager) setLastError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.status.LastError = err.Error()
	m.mu.Unlock()
}

// Status returns a snapshot; safe from any goroutine.
func (m *StreamManager) Status() StreamStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.status
	out.Subscriptions = append([]string(nil), m.status.Subscriptions...)
	return out
}

func (m *StreamManager) Subscriptions() []string {
	return m.Status().Subscriptions
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
