package ratelimit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	l := New()
	tenant := uuid.New()

	allowed, remaining, _ := l.Allow(tenant, 10)
	assert.True(t, allowed)
	assert.GreaterOrEqual(t, remaining, 0)
}

func TestLimiter_ExceedsBurst(t *testing.T) {
	l := New()
	tenant := uuid.New()

	var lastAllowed bool
	for i := 0; i < 5; i++ {
		lastAllowed, _, _ = l.Allow(tenant, 2)
	}

	assert.False(t, lastAllowed, "fifth request against a burst of 2 should be rejected")
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New()
	tenant := uuid.New()

	for i := 0; i < 5; i++ {
		l.Allow(tenant, 5)
	}
	allowed, _, _ := l.Allow(tenant, 5)
	assert.False(t, allowed)

	time.Sleep(250 * time.Millisecond)

	allowed, _, _ = l.Allow(tenant, 5)
	assert.True(t, allowed, "bucket should have refilled at least one token after 250ms at 5/s")
}

func TestLimiter_SeparateBucketsPerTenant(t *testing.T) {
	l := New()
	a, b := uuid.New(), uuid.New()

	for i := 0; i < 2; i++ {
		l.Allow(a, 2)
	}
	allowedA, _, _ := l.Allow(a, 2)
	allowedB, _, _ := l.Allow(b, 2)

	assert.False(t, allowedA, "tenant a should have exhausted its bucket")
	assert.True(t, allowedB, "tenant b's bucket is independent of tenant a's")
}

func TestLimiter_ZeroOrNegativeRateTreatedAsOne(t *testing.T) {
	l := New()
	tenant := uuid.New()

	allowed, _, _ := l.Allow(tenant, 0)
	assert.True(t, allowed)

	allowed, _, _ = l.Allow(tenant, 0)
	assert.False(t, allowed, "a zero-configured rate should behave as a burst of 1")
}

func TestLimiter_Reset(t *testing.T) {
	l := New()
	tenant := uuid.New()

	for i := 0; i < 2; i++ {
		l.Allow(tenant, 2)
	}
	allowed, _, _ := l.Allow(tenant, 2)
	assert.False(t, allowed)

	l.Reset(tenant)

	allowed, _, _ = l.Allow(tenant, 2)
	assert.True(t, allowed, "reset should discard the exhausted bucket")
}
