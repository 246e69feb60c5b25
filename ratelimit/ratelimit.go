// Package ratelimit provides the two pacing mechanisms used by ingestion:
// a fixed minimum spacing between calls on one client, and a token bucket
// shared across concurrent callers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces a minimum spacing between consecutive calls. The first
// call passes immediately; later calls sleep out the remainder of the
// spacing window measured from the previous call. A zero spacing disables it.
type Throttle struct {
	mu      sync.Mutex
	spacing time.Duration
	last    time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewThrottle creates a throttle with the given spacing.
func NewThrottle(spacing time.Duration) *Throttle {
	return &Throttle{
		spacing: spacing,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Wait blocks until at least the configured spacing has elapsed since the
// previous call.
func (t *Throttle) Wait() {
	if t == nil || t.spacing <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.last.IsZero() {
		t.last = now
		return
	}
	if remaining := t.spacing - now.Sub(t.last); remaining > 0 {
		t.sleep(remaining)
		now = t.now()
	}
	t.last = now
}

// Bucket is a token-bucket limiter expressed as events per minute, used to
// cap total upstream request rate across concurrent callers.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a bucket refilling at maxPerMinute tokens per minute.
// burst <= 0 defaults the capacity to maxPerMinute.
func NewBucket(maxPerMinute float64, burst int) (*Bucket, error) {
	if maxPerMinute <= 0 {
		return nil, fmt.Errorf("ratelimit: maxPerMinute must be > 0, got %v", maxPerMinute)
	}
	if burst <= 0 {
		burst = int(maxPerMinute)
		if burst < 1 {
			burst = 1
		}
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(maxPerMinute/60.0), burst)}, nil
}

// Acquire blocks until n tokens are available, then debits them. It returns
// early with the context error on cancellation.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if b == nil || n <= 0 {
		return nil
	}
	return b.limiter.WaitN(ctx, n)
}
