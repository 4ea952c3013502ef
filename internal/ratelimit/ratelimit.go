package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used outside of tests.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket is a token bucket that refills continuously at rate tokens/sec up to
// capacity. It is used to cap inbound signaling message rates per connection.
type Bucket struct {
	mu sync.Mutex

	clock    Clock
	rate     float64
	capacity float64

	tokens float64
	last   time.Time
}

func NewBucket(clock Clock, rate, capacity float64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if rate < 0 {
		rate = 0
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Bucket{
		clock:    clock,
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *Bucket) Allow(n float64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	// Time going backwards only moves the reference point; no refill.
	b.last = now

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}
