package keyed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IntervalLoop runs a task on a fixed interval with three guarantees:
// ticks never overlap (a tick arriving while the task runs is dropped), a
// failing or panicking tick does not kill the loop, and the time of the last
// successful completion is observable for staleness probes.
type IntervalLoop struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
	logger   *slog.Logger

	running       atomic.Bool
	lastCompleted atomic.Int64 // unix ms, 0 = never

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewIntervalLoop creates a supervised loop. The task receives the loop's
// context and should return promptly when it is cancelled.
func NewIntervalLoop(name string, interval time.Duration, task func(ctx context.Context) error, logger *slog.Logger) *IntervalLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntervalLoop{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With("component", "interval_loop", "loop", name),
	}
}

// Start launches the loop in a background goroutine.
func (il *IntervalLoop) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	il.cancel = cancel

	go func() {
		ticker := time.NewTicker(il.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				il.tick(loopCtx)
			case <-loopCtx.Done():
				il.logger.Info("interval loop stopped")
				return
			}
		}
	}()
}

// Stop cancels the loop. Idempotent.
func (il *IntervalLoop) Stop() {
	il.stopOnce.Do(func() {
		if il.cancel != nil {
			il.cancel()
		}
	})
}

// tick runs one iteration unless the previous one is still in flight.
func (il *IntervalLoop) tick(ctx context.Context) {
	if !il.running.CompareAndSwap(false, true) {
		il.logger.Debug("tick skipped, previous still running")
		return
	}
	defer il.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			il.logger.Error("tick panicked", "panic", r)
		}
	}()

	start := time.Now()
	if err := il.task(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		il.logger.Error("tick failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	il.lastCompleted.Store(time.Now().UnixMilli())
}

// LastCompleted returns the time of the last successful tick, zero if none.
func (il *IntervalLoop) LastCompleted() time.Time {
	ms := il.lastCompleted.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Stale reports whether no tick has completed within the given window.
func (il *IntervalLoop) Stale(window time.Duration) bool {
	last := il.LastCompleted()
	if last.IsZero() {
		return true
	}
	return time.Since(last) > window
}
