package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Bucket is a token-bucket throttle for a single external source. Tokens
// accumulate at a fixed rate up to a cap and are spent per request. Refill is
// computed lazily from elapsed time on each acquire, there is no background
// timer. Safe for concurrent use; a blocked Acquire parks only its own
// goroutine.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time

	now func() time.Time // overridable for tests
}

func NewBucket(capacity, refillPerSecond float64) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	b := &Bucket{
		capacity: capacity,
		refill:   refillPerSecond,
		tokens:   capacity,
		now:      time.Now,
	}
	b.last = b.now()
	return b
}

// Acquire blocks until n tokens are available, then debits them atomically.
// Returns early with the context error if ctx is cancelled while waiting.
func (b *Bucket) Acquire(ctx context.Context, n float64) error {
	if n > b.capacity {
		return fmt.Errorf("requested %g tokens exceeds bucket capacity %g", n, b.capacity)
	}

	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((n - b.tokens) / b.refill * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire debits n tokens if immediately available. Never blocks.
func (b *Bucket) TryAcquire(n float64) bool {
	if n > b.capacity {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Tokens reports the currently available token count.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}
