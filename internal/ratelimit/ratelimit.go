// Package ratelimit implements the per-tenant rate limit carried on each
// API key: an in-process token bucket, refilled continuously at the
// tenant's configured rate.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// bucket is a continuous token bucket: tokens refill at ratePerSecond,
// capped at the burst size, and are consumed one at a time by Allow.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	ratePerSec float64
	burst      float64
	lastRefill time.Time
}

func newBucket(ratePerSecond int) *bucket {
	rate := float64(ratePerSecond)
	return &bucket{
		tokens:     rate,
		ratePerSec: rate,
		burst:      rate,
		lastRefill: time.Now(),
	}
}

func (b *bucket) allow() (bool, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}

	if b.tokens < 1 {
		resetIn := time.Duration((1 - b.tokens) / b.ratePerSec * float64(time.Second))
		return false, int(b.tokens), now.Add(resetIn)
	}

	b.tokens--
	return true, int(b.tokens), now.Add(time.Second)
}

// Limiter holds one token bucket per tenant (API key). Buckets are created
// lazily on first use and sized from the tenant's configured rate.
type Limiter struct {
	buckets sync.Map // uuid.UUID -> *bucket
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{}
}

// Allow consumes one token for the given tenant at the given rate,
// creating its bucket on first use. It reports whether the request is
// admitted, the tokens remaining after the decision, and when the next
// token will be available.
func (l *Limiter) Allow(tenantID uuid.UUID, ratePerSecond int) (allowed bool, remaining int, resetAt time.Time) {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}

	b, _ := l.buckets.LoadOrStore(tenantID, newBucket(ratePerSecond))
	return b.(*bucket).allow()
}

// Reset discards the bucket for a tenant, e.g. after its configured rate
// changes.
func (l *Limiter) Reset(tenantID uuid.UUID) {
	l.buckets.Delete(tenantID)
}
