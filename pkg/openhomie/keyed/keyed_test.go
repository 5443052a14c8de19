package keyed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenBucketTake(t *testing.T) {
	t.Run("take within capacity does not block", func(t *testing.T) {
		b := NewTokenBucket(BucketConfig{Capacity: 3, RefillPerSecond: 1})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		start := time.Now()
		for i := 0; i < 3; i++ {
			if err := b.Take(ctx, 1); err != nil {
				t.Fatalf("take %d: %v", i, err)
			}
		}
		if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
			t.Errorf("expected immediate takes, took %v", elapsed)
		}
	})

	t.Run("cancelled context fails with ErrCancelled", func(t *testing.T) {
		b := NewTokenBucket(BucketConfig{Capacity: 1, RefillPerSecond: 0.001})
		ctx, cancel := context.WithCancel(context.Background())
		if err := b.Take(ctx, 1); err != nil {
			t.Fatalf("first take: %v", err)
		}

		cancel()
		err := b.Take(ctx, 1)
		if err == nil {
			t.Fatal("expected error from cancelled take")
		}
	})

	t.Run("try take drains the bucket", func(t *testing.T) {
		b := NewTokenBucket(BucketConfig{Capacity: 2, RefillPerSecond: 0.001})
		if !b.TryTake(1) || !b.TryTake(1) {
			t.Fatal("expected two immediate takes")
		}
		if b.TryTake(1) {
			t.Error("expected empty bucket to refuse")
		}
	})
}

func TestPerKeyLockSerialization(t *testing.T) {
	t.Run("same key is fully serialized", func(t *testing.T) {
		l := NewPerKeyLock()
		var inFlight atomic.Int32
		var maxInFlight atomic.Int32
		var wg sync.WaitGroup

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = l.RunExclusive(context.Background(), "chat-1", func(ctx context.Context) error {
					n := inFlight.Add(1)
					if n > maxInFlight.Load() {
						maxInFlight.Store(n)
					}
					time.Sleep(5 * time.Millisecond)
					inFlight.Add(-1)
					return nil
				})
			}()
		}
		wg.Wait()

		if maxInFlight.Load() != 1 {
			t.Errorf("expected max 1 in flight, got %d", maxInFlight.Load())
		}
		if l.Pending() != 0 {
			t.Errorf("expected no pending keys after drain, got %d", l.Pending())
		}
	})

	t.Run("distinct keys run in parallel", func(t *testing.T) {
		l := NewPerKeyLock()
		started := make(chan struct{}, 2)
		release := make(chan struct{})
		var wg sync.WaitGroup

		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				_ = l.RunExclusive(context.Background(), key, func(ctx context.Context) error {
					started <- struct{}{}
					<-release
					return nil
				})
			}(key)
		}

		for i := 0; i < 2; i++ {
			select {
			case <-started:
			case <-time.After(time.Second):
				t.Fatal("keys did not run in parallel")
			}
		}
		close(release)
		wg.Wait()
	})

	t.Run("nested acquire fails with deadlock error", func(t *testing.T) {
		l := NewPerKeyLock()
		err := l.RunExclusive(context.Background(), "k", func(ctx context.Context) error {
			return l.RunExclusive(ctx, "k", func(ctx context.Context) error {
				t.Fatal("nested body must not run")
				return nil
			})
		})
		if err != ErrDeadlockDetected {
			t.Errorf("expected ErrDeadlockDetected, got %v", err)
		}
	})

	t.Run("waiters are woken in FIFO order", func(t *testing.T) {
		l := NewPerKeyLock()
		holding := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = l.RunExclusive(context.Background(), "k", func(ctx context.Context) error {
				close(holding)
				<-release
				return nil
			})
		}()
		<-holding

		var order []int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 1; i <= 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = l.RunExclusive(context.Background(), "k", func(ctx context.Context) error {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					return nil
				})
			}(i)
			time.Sleep(20 * time.Millisecond) // establish queue order
		}

		close(release)
		wg.Wait()

		for i, got := range order {
			if got != i+1 {
				t.Fatalf("expected FIFO order [1 2 3], got %v", order)
			}
		}
	})
}

func TestPerKeyRateLimiterEviction(t *testing.T) {
	t.Run("stale keys are swept on call threshold", func(t *testing.T) {
		l := NewPerKeyRateLimiter(LimiterConfig{
			Capacity:        10,
			RefillPerSecond: 100,
			StaleAfterMs:    10,
			SweepInterval:   3,
		})
		ctx := context.Background()

		_ = l.Take(ctx, "old", 1)
		time.Sleep(30 * time.Millisecond)

		// Three more calls cross the sweep interval and evict "old".
		for i := 0; i < 3; i++ {
			_ = l.Take(ctx, "fresh", 1)
		}

		if size := l.Size(); size != 1 {
			t.Errorf("expected only the fresh key tracked, got %d", size)
		}
	})

	t.Run("time-based sweep fires without call pressure", func(t *testing.T) {
		l := NewPerKeyRateLimiter(LimiterConfig{
			Capacity:        10,
			RefillPerSecond: 100,
			StaleAfterMs:    10,
			SweepInterval:   100000,
		})
		ctx := context.Background()

		_ = l.Take(ctx, "old", 1)
		time.Sleep(30 * time.Millisecond)
		_ = l.Take(ctx, "fresh", 1)

		if size := l.Size(); size != 1 {
			t.Errorf("expected time-based sweep to evict, size=%d", size)
		}
	})
}

func TestIntervalLoop(t *testing.T) {
	t.Run("ticks do not overlap", func(t *testing.T) {
		var inFlight atomic.Int32
		var overlapped atomic.Bool
		var ticks atomic.Int32

		loop := NewIntervalLoop("test", 10*time.Millisecond, func(ctx context.Context) error {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			ticks.Add(1)
			time.Sleep(25 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		loop.Start(ctx)
		time.Sleep(120 * time.Millisecond)
		cancel()

		if overlapped.Load() {
			t.Error("ticks overlapped")
		}
		if ticks.Load() == 0 {
			t.Error("expected at least one tick")
		}
	})

	t.Run("failing tick keeps the loop alive and staleness visible", func(t *testing.T) {
		var calls atomic.Int32
		loop := NewIntervalLoop("failing", 10*time.Millisecond, func(ctx context.Context) error {
			calls.Add(1)
			return context.DeadlineExceeded
		}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		loop.Start(ctx)
		time.Sleep(60 * time.Millisecond)
		cancel()

		if calls.Load() < 2 {
			t.Errorf("expected the loop to survive errors, got %d calls", calls.Load())
		}
		if !loop.Stale(time.Millisecond) {
			t.Error("expected loop with no successful tick to be stale")
		}
	})
}
