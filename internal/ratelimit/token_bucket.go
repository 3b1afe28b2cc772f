// Package ratelimit provides the per-connection token bucket used to bound
// inbound signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills at fillRate tokens/sec up to capacity. A zero or
// negative capacity disables the limiter (Allow always succeeds).
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity float64
	fillRate float64

	tokens float64
	last   time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	return &TokenBucket{
		clock:    clock,
		capacity: float64(capacity),
		fillRate: float64(fillRate),
		tokens:   float64(capacity),
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity <= 0 {
		return true
	}

	now := b.clock.Now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.fillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	// A clock that moves backwards only advances the reference point; it
	// never refills.
	b.last = now

	cost := float64(n)
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}
