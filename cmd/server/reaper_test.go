package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

type countingReaper struct {
	calls  atomic.Int32
	purged int
}

func (r *countingReaper) PurgeIdle(ctx context.Context, maxIdle time.Duration) int {
	r.calls.Add(1)
	return r.purged
}

func TestSessionReaperSweepsOnTick(t *testing.T) {
	ticker := &manualTicker{ch: make(chan time.Time)}
	reaper := &countingReaper{purged: 2}

	stop := startSessionReaperWithTicker(context.Background(), nil, reaper, time.Minute, time.Hour,
		func(time.Duration) reapTicker { return ticker })
	t.Cleanup(stop)

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()

	deadline := time.After(time.Second)
	for reaper.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("reaper ran %d times, want 2", reaper.calls.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	stop()
	if !ticker.stopped.Load() {
		t.Fatal("ticker was not stopped")
	}
}

func TestSessionReaperStopIsIdempotent(t *testing.T) {
	ticker := &manualTicker{ch: make(chan time.Time)}
	stop := startSessionReaperWithTicker(context.Background(), nil, &countingReaper{}, time.Minute, time.Hour,
		func(time.Duration) reapTicker { return ticker })

	stop()
	stop()
	if !ticker.stopped.Load() {
		t.Fatal("ticker was not stopped")
	}
}

func TestSessionReaperDisabledWithoutInterval(t *testing.T) {
	reaper := &countingReaper{}
	stop := startSessionReaperWithTicker(context.Background(), nil, reaper, 0, time.Hour,
		func(time.Duration) reapTicker {
			t.Fatal("ticker should not be created")
			return nil
		})
	stop()
	if reaper.calls.Load() != 0 {
		t.Fatal("reaper ran despite being disabled")
	}
}
