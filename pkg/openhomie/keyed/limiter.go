package keyed

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig configures a PerKeyRateLimiter.
type LimiterConfig struct {
	// Capacity and RefillPerSecond configure each key's bucket.
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`

	// StaleAfterMs is how long a key may sit idle before eviction.
	StaleAfterMs int64 `yaml:"stale_after_ms"`

	// SweepInterval is how many Take calls may pass between eviction sweeps.
	// A time-based sweep also fires when StaleAfterMs has elapsed since the
	// last sweep, so low-traffic processes do not accumulate dead keys.
	SweepInterval int `yaml:"sweep_interval"`
}

// DefaultLimiterConfig returns the per-chat limiter defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Capacity:        3,
		RefillPerSecond: 0.5,
		StaleAfterMs:    30 * 60 * 1000,
		SweepInterval:   256,
	}
}

type keyBucket struct {
	lim          *rate.Limiter
	lastAccessMs int64
}

// PerKeyRateLimiter keeps one token bucket per key and evicts keys that have
// been idle beyond StaleAfterMs. Safe for concurrent use.
type PerKeyRateLimiter struct {
	cfg LimiterConfig

	mu              sync.Mutex
	buckets         map[string]*keyBucket
	callsSinceSweep int
	lastSweepMs     int64

	now func() time.Time // test seam
}

// NewPerKeyRateLimiter creates a keyed limiter.
func NewPerKeyRateLimiter(cfg LimiterConfig) *PerKeyRateLimiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = 1
	}
	if cfg.StaleAfterMs <= 0 {
		cfg.StaleAfterMs = DefaultLimiterConfig().StaleAfterMs
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultLimiterConfig().SweepInterval
	}
	now := time.Now
	return &PerKeyRateLimiter{
		cfg:         cfg,
		buckets:     make(map[string]*keyBucket),
		lastSweepMs: now().UnixMilli(),
		now:         now,
	}
}

// Take blocks until the key's bucket can supply cost tokens. Every call
// refreshes the key's last-access time and opportunistically sweeps stale
// keys.
func (l *PerKeyRateLimiter) Take(ctx context.Context, key string, cost int) error {
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	nowMs := l.now().UnixMilli()

	b := l.buckets[key]
	if b == nil {
		b = &keyBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RefillPerSecond), int(l.cfg.Capacity))}
		l.buckets[key] = b
	}
	b.lastAccessMs = nowMs

	l.callsSinceSweep++
	if l.callsSinceSweep >= l.cfg.SweepInterval || nowMs-l.lastSweepMs >= l.cfg.StaleAfterMs {
		l.sweepLocked(nowMs)
	}
	lim := b.lim
	l.mu.Unlock()

	if err := lim.WaitN(ctx, cost); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return err
	}
	return nil
}

// sweepLocked evicts keys idle beyond StaleAfterMs. Caller holds l.mu.
func (l *PerKeyRateLimiter) sweepLocked(nowMs int64) {
	for key, b := range l.buckets {
		if nowMs-b.lastAccessMs > l.cfg.StaleAfterMs {
			delete(l.buckets, key)
		}
	}
	l.callsSinceSweep = 0
	l.lastSweepMs = nowMs
}

// Size returns the number of tracked keys.
func (l *PerKeyRateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
