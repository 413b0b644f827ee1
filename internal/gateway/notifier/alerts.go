package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"klinekeeper/internal/ingest"
	"klinekeeper/internal/logger"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Forwarder 把采集事件转成告警推送。推送按速率限流，超出的事件只记日志。
type Forwarder struct {
	sink    TextNotifier
	kinds   map[ingest.EventKind]bool
	limiter *rate.Limiter
	timeout time.Duration
	log     *logrus.Entry

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewForwarder 只转发 kinds 中列出的事件；kinds 为空时转发全部。
func NewForwarder(sink TextNotifier, kinds []string) *Forwarder {
	f := &Forwarder{
		sink:    sink,
		kinds:   make(map[ingest.EventKind]bool, len(kinds)),
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 5),
		timeout: 20 * time.Second,
		log:     logger.WithComponent("alerts"),
	}
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			f.kinds[ingest.EventKind(k)] = true
		}
	}
	return f
}

// Run 消费 events 直到 ctx 取消或通道关闭。
func (f *Forwarder) Run(ctx context.Context, events <-chan ingest.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.handle(ctx, ev)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, ev ingest.Event) {
	if len(f.kinds) > 0 && !f.kinds[ev.Kind] {
		return
	}
	if !f.limiter.Allow() {
		f.dropped.Add(1)
		f.log.Warnf("alert rate limited: %s %s", ev.Kind, ev.Instrument)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.sink.SendText(sendCtx, Render(ev).RenderMarkdown()); err != nil {
		f.dropped.Add(1)
		if ctx.Err() == nil {
			f.log.Warnf("send alert %s: %v", ev.Kind, err)
		}
		return
	}
	f.sent.Add(1)
}

// Counts 返回已发送与丢弃的告警数。
func (f *Forwarder) Counts() (sent, dropped int64) {
	return f.sent.Load(), f.dropped.Load()
}

// Render 把事件格式化为告警消息。
func Render(ev ingest.Event) StructuredMessage {
	msg := StructuredMessage{Timestamp: ev.At}
	switch ev.Kind {
	case ingest.EventIngestionLost:
		msg.Icon, msg.Title = "🚨", "实时采集中断"
	case ingest.EventBackfillFailed:
		msg.Icon, msg.Title = "⚠️", "历史回补失败"
	case ingest.EventReconnected:
		msg.Icon, msg.Title = "🔁", "行情连接已恢复"
	case ingest.EventBackfillDone:
		msg.Icon, msg.Title = "✅", "历史回补完成"
	default:
		msg.Title = string(ev.Kind)
	}
	var lines []string
	if ev.Instrument.Symbol != "" {
		lines = append(lines, "品种："+ev.Instrument.String())
	}
	if ev.RunID != "" {
		lines = append(lines, "run："+ev.RunID)
	}
	if ev.Attempts > 0 {
		lines = append(lines, fmt.Sprintf("重连次数：%d", ev.Attempts))
	}
	if ev.Err != nil {
		lines = append(lines, "错误："+ev.Err.Error())
	}
	msg.Sections = []MessageSection{{Lines: lines}}
	return msg
}
