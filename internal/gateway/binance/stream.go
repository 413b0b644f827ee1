package binance

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"klinekeeper/internal/logger"
	"klinekeeper/internal/market"

	"github.com/gorilla/websocket"
)

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamName returns the combined-stream name of inst, e.g. btcusdt@kline_1m.
func StreamName(inst market.Instrument) string {
	return strings.ToLower(inst.Symbol) + "@kline_" + inst.Interval.String()
}

// ConnectStream dials the combined stream endpoint. Subscriptions are sent later over
// the returned connection.
func (c *Client) ConnectStream(ctx context.Context) (market.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.StreamURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.recordDial(err)
		return nil, &market.TransportError{Op: "dial", Err: err}
	}
	c.recordDial(nil)
	ws := newWSConnection(conn, c.cfg.ReadTimeout, c.cfg.WriteTimeout, c.cfg.PingInterval)
	ws.onSubscribeErr = c.recordSubscribeError
	return ws, nil
}

type wsConnection struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}

	onSubscribeErr func(error)
}

func newWSConnection(conn *websocket.Conn, readTimeout, writeTimeout, pingInterval time.Duration) *wsConnection {
	ws := &wsConnection{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		ws.extendReadDeadline()
		err := ws.writeControl(websocket.PongMessage, []byte(appData))
		if err == nil || isClosedErr(err) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		ws.extendReadDeadline()
		return nil
	})
	if pingInterval > 0 {
		go ws.keepAlive(pingInterval)
	}
	return ws
}

func (w *wsConnection) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.writeControl(websocket.PingMessage, nil); err != nil {
				logger.Debugf("[binance] ping failed: %v", err)
				return
			}
		}
	}
}

func (w *wsConnection) extendReadDeadline() {
	if w.readTimeout > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
}

func (w *wsConnection) writeControl(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteControl(messageType, data, time.Now().Add(w.writeTimeout))
}

func (w *wsConnection) Subscribe(ctx context.Context, inst market.Instrument) error {
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{StreamName(inst)},
		ID:     w.nextID.Add(1),
	}
	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.writeMu.Lock()
	_ = w.conn.SetWriteDeadline(deadline)
	err := w.conn.WriteJSON(req)
	w.writeMu.Unlock()
	if err != nil {
		if w.onSubscribeErr != nil {
			w.onSubscribeErr(err)
		}
		return &market.TransportError{Op: "subscribe " + StreamName(inst), Err: err}
	}
	return nil
}

// NextMessage reads one data frame. Cancelling ctx unblocks the read; the
// connection is unusable afterwards.
func (w *wsConnection) NextMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.extendReadDeadline()
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	_, payload, err := w.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &market.TransportError{Op: "read", Err: err}
	}
	return payload, nil
}

func (w *wsConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := w.writeControl(websocket.CloseMessage, msg); werr != nil && !isClosedErr(werr) {
			logger.Debugf("[binance] close frame: %v", werr)
		}
		err = w.conn.Close()
	})
	return err
}
