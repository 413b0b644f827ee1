package scheduler

import (
	"context"
	"time"

	"klinekeeper/internal/logger"
)

// AlignedScheduler 在每个 Interval 边界之后 Offset 处执行一次任务，直到 ctx 结束。
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewAlignedScheduler(name string, interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
	}
}

// Start blocks until ctx is done. task runs on the caller's goroutine, so a slow
// task delays the next boundary instead of overlapping with itself.
func (s *AlignedScheduler) Start(ctx context.Context, task func(context.Context)) {
	if s == nil {
		return
	}
	prefix := "AlignedScheduler"
	if s.Name != "" {
		prefix = prefix + "[" + s.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("%s: negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s offset=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task(ctx)
	}

	for {
		if ctx.Err() != nil {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		now := s.nowFn().UTC()
		_, wakeAt, wait := s.nextTimes(now)
		logger.Debugf("%s: next run at=%s (in %s) | uptime=%s",
			prefix, wakeAt.Format(time.RFC3339), wait.Truncate(time.Second), now.Sub(startAt).Truncate(time.Second))

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				logger.Infof("%s: ctx done, exit", prefix)
				return
			case <-timer.C:
			}
		}
		task(ctx)
	}
}

func (s *AlignedScheduler) nextTimes(now time.Time) (nextBoundary, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	nextBoundary = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = nextBoundary.Add(s.Offset)
	return nextBoundary, wakeAt, wakeAt.Sub(now)
}
