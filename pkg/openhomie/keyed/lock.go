package keyed

import (
	"context"
	"fmt"
	"sync"
)

// ErrDeadlockDetected is returned when a goroutine tries to re-acquire a key
// it already holds. The lock is not reentrant; a nested acquire would block
// forever.
var ErrDeadlockDetected = fmt.Errorf("deadlock_detected: nested acquire on held key")

type heldKeysCtxKey struct{}

// lockEntry tracks one key's holder and its FIFO wait queue.
type lockEntry struct {
	held    bool
	waiters []chan struct{}
}

// PerKeyLock serializes work per key. Distinct keys run in parallel; waiters
// on the same key are woken in FIFO order.
type PerKeyLock struct {
	mu   sync.Mutex
	keys map[string]*lockEntry
}

// NewPerKeyLock creates an empty keyed lock.
func NewPerKeyLock() *PerKeyLock {
	return &PerKeyLock{keys: make(map[string]*lockEntry)}
}

// RunExclusive runs fn while holding the lock for key. The context passed to
// fn carries the held key; calling RunExclusive again with the same key from
// inside fn fails with ErrDeadlockDetected instead of deadlocking.
func (l *PerKeyLock) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	held, _ := ctx.Value(heldKeysCtxKey{}).(map[string]bool)
	if held[key] {
		return ErrDeadlockDetected
	}

	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)

	nested := make(map[string]bool, len(held)+1)
	for k := range held {
		nested[k] = true
	}
	nested[key] = true

	return fn(context.WithValue(ctx, heldKeysCtxKey{}, nested))
}

// acquire blocks until the key is free or ctx is cancelled.
func (l *PerKeyLock) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e := l.keys[key]
	if e == nil {
		e = &lockEntry{}
		l.keys[key] = e
	}
	if !e.held {
		e.held = true
		l.mu.Unlock()
		return nil
	}

	// Join the FIFO queue.
	ticket := make(chan struct{})
	e.waiters = append(e.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		// Remove our ticket if it has not been signalled yet. If release
		// already handed us the lock, pass ownership to the next waiter.
		for i, w := range e.waiters {
			if w == ticket {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				l.mu.Unlock()
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
		}
		l.mu.Unlock()
		l.release(key)
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// release hands the key to the oldest waiter, or frees it.
func (l *PerKeyLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.keys[key]
	if e == nil {
		return
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	delete(l.keys, key)
}

// Pending returns the number of keys currently held or waited on.
func (l *PerKeyLock) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
