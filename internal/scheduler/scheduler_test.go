package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlignedScheduler_NextTimes(t *testing.T) {
	s := NewAlignedScheduler("gap", 15*time.Minute, 30*time.Second)
	now := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)
	boundary, wakeAt, wait := s.nextTimes(now)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), boundary)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 30, 0, time.UTC), wakeAt)
	assert.Equal(t, 8*time.Minute+30*time.Second, wait)
}

func TestAlignedScheduler_RunsUntilCancelled(t *testing.T) {
	s := NewAlignedScheduler("test", 20*time.Millisecond, 0)
	s.RunImmediately = true
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx, func(context.Context) {
			if runs.Add(1) == 3 {
				cancel()
			}
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(3), runs.Load())
}

func TestAlignedScheduler_InvalidInterval(t *testing.T) {
	s := NewAlignedScheduler("bad", 0, 0)
	called := false
	s.Start(context.Background(), func(context.Context) { called = true })
	assert.False(t, called)
}
