package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

func newTestLimiter(maxTokens, refillRate float64) *Limiter {
	l := &Limiter{
		maxTokens:  maxTokens,
		refillRate: refillRate,
		buckets:    make(map[domain.Principal]*bucket),
		now:        time.Now,
	}
	l.global = newBucket(maxTokens, l.now())
	return l
}

func TestAllowWithinCapacity(t *testing.T) {
	l := newTestLimiter(5, 1)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		d := l.Allow("p1", 1)
		require.True(t, d.Allowed)
	}
	d := l.Allow("p1", 1)
	assert.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
}

func TestRefillOverTime(t *testing.T) {
	l := newTestLimiter(5, 1)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("p1", 1).Allowed)
	}
	require.False(t, l.Allow("p1", 1).Allowed)

	l.now = func() time.Time { return base.Add(3 * time.Second) }
	assert.True(t, l.Allow("p1", 1).Allowed, "3 tokens should have refilled")
}

func TestGlobalDeniedBeforePerPrincipal(t *testing.T) {
	l := newTestLimiter(1, 0.01)
	base := time.Now()
	l.now = func() time.Time { return base }

	require.True(t, l.Allow("p1", 1).Allowed)
	// Global bucket now empty; a different, fresh principal should still
	// be denied because the global check runs first.
	d := l.Allow("p2", 1)
	assert.False(t, d.Allowed)
}

func TestRetryAfterMinimumOneSecond(t *testing.T) {
	l := newTestLimiter(1, 1000)
	base := time.Now()
	l.now = func() time.Time { return base }

	require.True(t, l.Allow("p1", 1).Allowed)
	d := l.Allow("p1", 0.0001)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestSweepIdleBuckets(t *testing.T) {
	l := newTestLimiter(5, 1)
	base := time.Now()
	l.now = func() time.Time { return base }
	l.Allow("p1", 1)
	require.Equal(t, 1, l.BucketCount())

	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	l.sweepIdle()
	assert.Equal(t, 0, l.BucketCount())
}

func TestSweepKeepsActiveBuckets(t *testing.T) {
	l := newTestLimiter(5, 1)
	base := time.Now()
	l.now = func() time.Time { return base }
	l.Allow("p1", 1)

	l.now = func() time.Time { return base.Add(30 * time.Minute) }
	l.sweepIdle()
	assert.Equal(t, 1, l.BucketCount())
}
