// Package ratelimit provides token-bucket rate limiting for the evaluation
// endpoints.
//
//   - Bucket: a single token bucket.
//   - Limiter: one bucket per client IP with idle-entry cleanup, used by
//     Middleware to protect /move and /ws.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Bucket is a single token bucket rate limiter.
// It is safe for concurrent use.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	rate       float64 // tokens per second
	lastUpdate time.Time
	now        func() time.Time
}

// NewBucket creates a token bucket with the given rate (tokens/second) and
// burst (maximum tokens). A burst below one defaults to the rate rounded
// up. The bucket starts full.
func NewBucket(rate float64, burst int) *Bucket {
	return newBucket(rate, burst, time.Now)
}

func newBucket(rate float64, burst int, now func() time.Time) *Bucket {
	maxTokens := capacity(rate, burst)
	return &Bucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		rate:       rate,
		lastUpdate: now(),
		now:        now,
	}
}

func capacity(rate float64, burst int) float64 {
	if burst >= 1 {
		return float64(burst)
	}
	return math.Max(1, math.Ceil(rate))
}

// refill adds tokens for the time elapsed since the last update. Caller must hold b.mu.
func (b *Bucket) refill() {
	t := b.now()
	b.tokens = math.Min(b.maxTokens, b.tokens+t.Sub(b.lastUpdate).Seconds()*b.rate)
	b.lastUpdate = t
}

// Allow tries to consume one token.
func (b *Bucket) Allow() bool {
	ok, _, _ := b.Take()
	return ok
}

// Take tries to consume one token. It reports the whole tokens left and,
// when refused, how long until a token is available.
func (b *Bucket) Take() (ok bool, remaining int, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	if b.rate <= 0 {
		return false, 0, time.Duration(math.MaxInt64)
	}
	return false, 0, time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Available returns the current number of tokens.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Burst returns the bucket capacity.
func (b *Bucket) Burst() int {
	return int(b.maxTokens)
}

func (b *Bucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}
