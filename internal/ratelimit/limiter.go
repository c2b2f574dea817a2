// Package ratelimit provides a FIFO token-bucket limiter shared by all
// outbound calls to the generative-language API.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrTimeout is returned when a deadline expires before a token is granted.
// No token is consumed in that case.
var ErrTimeout = errors.New("rate limit timeout")

// Limiter is a token bucket that grants tokens to waiters strictly in arrival order.
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
	waiters  []*waiter
	timer    *time.Timer
	now      func() time.Time
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for refill arithmetic.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a full bucket holding capacity tokens refilled at refillPerSecond.
func New(capacity int, refillPerSecond float64, opts ...Option) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	l := &Limiter{
		capacity: float64(capacity),
		rate:     refillPerSecond,
		tokens:   float64(capacity),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.last = l.now()
	return l
}

// Acquire blocks until a token is granted or ctx is done. When ctx's deadline
// expires first it returns ErrTimeout; on plain cancellation it returns ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.refillLocked()
	if len(l.waiters) == 0 && l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.dispatchLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		// Granted while giving up: hand the token back to the queue.
		l.returnTokenLocked()
	} else {
		l.removeLocked(w)
	}
	l.dispatchLocked()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// AcquireTimeout is Acquire with an additional deadline of d; d <= 0 means none.
func (l *Limiter) AcquireTimeout(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return l.Acquire(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return l.Acquire(ctx)
}

// TryAcquire takes a token without waiting. When none is available it reports
// how long until one would be.
func (l *Limiter) TryAcquire() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if len(l.waiters) == 0 && l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	needed := float64(len(l.waiters)) + 1 - l.tokens
	return false, l.durationFor(needed)
}

// Waiting returns the number of callers queued for a token.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// returnTokenLocked puts back one token without exceeding capacity.
func (l *Limiter) returnTokenLocked() {
	l.tokens = math.Min(l.capacity, l.tokens+1)
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.rate)
		l.last = now
	}
}

// dispatchLocked grants tokens to queued waiters in order and arms a timer
// for the next refill when waiters remain.
func (l *Limiter) dispatchLocked() {
	l.refillLocked()
	for len(l.waiters) > 0 && l.tokens >= 1 {
		w := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		l.tokens--
		w.granted = true
		close(w.ready)
	}
	if len(l.waiters) == 0 || l.timer != nil {
		return
	}
	l.timer = time.AfterFunc(l.durationFor(1-l.tokens), func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.timer = nil
		l.dispatchLocked()
	})
}

func (l *Limiter) removeLocked(target *waiter) {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

func (l *Limiter) durationFor(tokens float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	wait := time.Duration(math.Ceil(tokens / l.rate * float64(time.Second)))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
