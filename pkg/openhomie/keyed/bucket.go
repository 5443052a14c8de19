// Package keyed provides the per-chat concurrency primitives the turn engine
// is built on: a blocking token bucket, a keyed FIFO lock, a keyed rate
// limiter with idle eviction, and a supervised interval loop.
package keyed

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrCancelled is returned when a blocking primitive is abandoned because the
// caller's context was cancelled.
var ErrCancelled = fmt.Errorf("cancelled")

// BucketConfig configures a TokenBucket.
type BucketConfig struct {
	// Capacity is the maximum number of tokens the bucket can hold.
	Capacity float64 `yaml:"capacity"`

	// RefillPerSecond is the steady-state refill rate.
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// TokenBucket is a leaky-bucket limiter. Take blocks until the requested
// tokens are available or the context is cancelled. Refill is lazy: tokens
// accumulate as min(capacity, tokens + elapsed*refillPerSecond).
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(cfg BucketConfig) *TokenBucket {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	refill := cfg.RefillPerSecond
	if refill <= 0 {
		refill = 1
	}
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(refill), int(capacity))}
}

// Take blocks until cost tokens are available. Waiting is cancellable; a
// cancelled context fails with ErrCancelled without consuming tokens.
func (b *TokenBucket) Take(ctx context.Context, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	if err := b.lim.WaitN(ctx, cost); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return err
	}
	return nil
}

// TryTake consumes cost tokens only if they are immediately available.
func (b *TokenBucket) TryTake(cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	return b.lim.AllowN(time.Now(), cost)
}
