// Package profile implements the Processor's fast-path user-profile
// lookup: a TTL'd cache backed by the Store, a bounded-timeout relay
// query on cache miss, and deduplication of concurrent fetches for the
// same principal so a burst of messages from one user doesn't fan out
// into a burst of identical relay queries.
package profile

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/store"
)

const (
	defaultCacheTTL   = 6 * time.Hour
	defaultFastTimeout = 300 * time.Millisecond

	// defaultBackgroundFetchRate caps how often a cold-path cache miss may
	// spawn a background relay query; a burst of messages from users the
	// bot has never seen should not turn into a burst of relay queries.
	defaultBackgroundFetchRate = 5 // per second
	defaultBackgroundFetchBurst = 10
)

// Fetcher is the relay-side lookup the cache falls back to on a miss.
// internal/relay.Supervisor satisfies this.
type Fetcher interface {
	QueryProfile(ctx context.Context, p domain.Principal, timeout time.Duration) (*domain.Profile, error)
}

// Cache is the TTL'd, store-backed, fetch-deduplicated profile cache.
type Cache struct {
	store       store.Store
	fetcher     Fetcher
	ttl         time.Duration
	fastTimeout time.Duration
	group       singleflight.Group
	limiter     *rate.Limiter
}

// Config configures a Cache.
type Config struct {
	TTL         time.Duration
	FastTimeout time.Duration
}

// New constructs a Cache over store, falling back to fetcher on miss.
func New(st store.Store, fetcher Fetcher, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = defaultFastTimeout
	}
	return &Cache{
		store:       st,
		fetcher:     fetcher,
		ttl:         cfg.TTL,
		fastTimeout: cfg.FastTimeout,
		limiter:     rate.NewLimiter(rate.Limit(defaultBackgroundFetchRate), defaultBackgroundFetchBurst),
	}
}

// Lookup returns a cached profile if fresh; on a miss it issues a
// relay-side query bounded by the fast timeout. If that also misses (or
// times out), it returns nil and lets a background fetch (started here,
// not awaited) warm the cache for the next call. Concurrent lookups for
// the same principal share one in-flight fetch.
func (c *Cache) Lookup(ctx context.Context, p domain.Principal) *domain.Profile {
	if prof, err := c.store.Profile(ctx, p, c.ttl); err == nil {
		return prof
	}
	if !c.limiter.Allow() {
		return nil
	}

	type fetchResult struct {
		prof *domain.Profile
	}

	fastCtx, cancel := context.WithTimeout(ctx, c.fastTimeout)
	defer cancel()

	resCh := make(chan fetchResult, 1)
	go func() {
		v, _, _ := c.group.Do(string(p), func() (any, error) {
			prof, err := c.fetcher.QueryProfile(context.Background(), p, c.fastTimeout*4)
			if err != nil || prof == nil {
				return (*domain.Profile)(nil), nil
			}
			if prof.FetchedAt.IsZero() {
				prof.FetchedAt = time.Now()
			}
			_ = c.store.SaveProfile(context.Background(), prof)
			return prof, nil
		})
		prof, _ := v.(*domain.Profile)
		select {
		case resCh <- fetchResult{prof}:
		default:
		}
	}()

	select {
	case res := <-resCh:
		return res.prof
	case <-fastCtx.Done():
		return nil
	}
}
