// Package ratelimit implements the two-tier token bucket described by
// the core design: one global bucket and one bucket per principal, both
// with lazy refill computed from elapsed wall-clock time at check time.
//
// golang.org/x/time/rate (used elsewhere in this codebase's ancestry for
// simple request throttling) deliberately is not reused here: its Allow/
// Wait API does not expose the current token count, and retryAfter must
// be computed from it (ceil((cost-tokens)/refillRate)). A hand-rolled
// bucket is the only way to keep that computation exact.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

// IdleTimeout is how long a per-principal bucket may go untouched before
// the sweeper reclaims it.
const IdleTimeout = time.Hour

// SweepInterval is how often the idle-bucket sweep runs.
const SweepInterval = time.Minute

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

func newBucket(capacity float64, now time.Time) *bucket {
	return &bucket{tokens: capacity, lastRefill: now, lastUsed: now}
}

func (b *bucket) refill(capacity, refillRate float64, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(capacity, b.tokens+elapsed*refillRate)
	b.lastRefill = now
}

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // valid when !Allowed
}

// Limiter is the two-tier token bucket limiter. The cron scheduler it
// owns sweeps idle per-principal buckets; call Stop to release it.
type Limiter struct {
	maxTokens  float64
	refillRate float64

	mu      sync.Mutex
	global  *bucket
	buckets map[domain.Principal]*bucket

	cron *cron.Cron
	now  func() time.Time
}

// New constructs a Limiter and starts its idle-bucket sweeper.
func New(maxTokens, refillRate float64) *Limiter {
	l := &Limiter{
		maxTokens:  maxTokens,
		refillRate: refillRate,
		buckets:    make(map[domain.Principal]*bucket),
		now:        time.Now,
	}
	l.global = newBucket(maxTokens, l.now())

	l.cron = cron.New()
	_, _ = l.cron.AddFunc("@every 1m", l.sweepIdle)
	l.cron.Start()
	return l
}

// Stop halts the idle-bucket sweeper.
func (l *Limiter) Stop() {
	if l.cron != nil {
		l.cron.Stop()
	}
}

// Allow checks the global bucket first, then the principal's bucket,
// each consuming cost tokens on success. Global denial is reported
// before per-principal denial, per the documented ordering.
func (l *Limiter) Allow(p domain.Principal, cost float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	l.global.refill(l.maxTokens, l.refillRate, now)
	if l.global.tokens < cost {
		return Decision{Allowed: false, RetryAfter: retryAfter(cost-l.global.tokens, l.refillRate)}
	}

	b, ok := l.buckets[p]
	if !ok {
		b = newBucket(l.maxTokens, now)
		l.buckets[p] = b
	}
	b.refill(l.maxTokens, l.refillRate, now)
	if b.tokens < cost {
		return Decision{Allowed: false, RetryAfter: retryAfter(cost-b.tokens, l.refillRate)}
	}

	l.global.tokens -= cost
	b.tokens -= cost
	b.lastUsed = now
	return Decision{Allowed: true}
}

func retryAfter(deficit, refillRate float64) time.Duration {
	seconds := math.Ceil(deficit / refillRate)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func (l *Limiter) sweepIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for p, b := range l.buckets {
		if now.Sub(b.lastUsed) >= IdleTimeout {
			delete(l.buckets, p)
		}
	}
}

// BucketCount reports the number of tracked per-principal buckets, used
// by the observability status endpoint.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
