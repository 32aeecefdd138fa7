package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// idleReaper is the slice of the upload registry the reaper needs.
type idleReaper interface {
	PurgeIdle(ctx context.Context, maxIdle time.Duration) int
}

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

type tickerFactory func(time.Duration) reapTicker

// startSessionReaper sweeps idle upload sessions on a fixed interval so
// abandoned .part files do not accumulate. The returned function stops the
// worker and waits for the in-flight sweep to finish; it is safe to call more
// than once.
func startSessionReaper(ctx context.Context, logger *slog.Logger, uploads idleReaper, interval, maxIdle time.Duration) func() {
	return startSessionReaperWithTicker(ctx, logger, uploads, interval, maxIdle, func(d time.Duration) reapTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSessionReaperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	uploads idleReaper,
	interval time.Duration,
	maxIdle time.Duration,
	newTicker tickerFactory,
) func() {
	if uploads == nil || interval <= 0 || maxIdle <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if purged := uploads.PurgeIdle(workerCtx, maxIdle); purged > 0 && logger != nil {
					logger.Info("reaped idle upload sessions", "count", purged)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
