package profile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/store/memstore"
)

type countingFetcher struct {
	calls int32
	prof  *domain.Profile
	delay time.Duration
}

func (f *countingFetcher) QueryProfile(ctx context.Context, p domain.Principal, timeout time.Duration) (*domain.Profile, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.prof, nil
}

func TestLookupReturnsCachedProfileWithoutFetching(t *testing.T) {
	st := memstore.New()
	fetcher := &countingFetcher{}
	c := New(st, fetcher, Config{})

	require.NoError(t, st.SaveProfile(context.Background(), &domain.Profile{Principal: "p1", Name: "alice", FetchedAt: time.Now()}))

	prof := c.Lookup(context.Background(), "p1")
	require.NotNil(t, prof)
	assert.Equal(t, "alice", prof.Name)
	assert.EqualValues(t, 0, fetcher.calls)
}

func TestLookupFetchesOnMissAndWarmsCache(t *testing.T) {
	st := memstore.New()
	fetcher := &countingFetcher{prof: &domain.Profile{Principal: "p1", Name: "bob"}}
	c := New(st, fetcher, Config{FastTimeout: 200 * time.Millisecond})

	prof := c.Lookup(context.Background(), "p1")
	require.NotNil(t, prof)
	assert.Equal(t, "bob", prof.Name)

	cached, err := st.Profile(context.Background(), "p1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "bob", cached.Name)
}

func TestLookupReturnsNilWhenFetchExceedsFastTimeout(t *testing.T) {
	st := memstore.New()
	fetcher := &countingFetcher{prof: &domain.Profile{Principal: "p1", Name: "slow"}, delay: 100 * time.Millisecond}
	c := New(st, fetcher, Config{FastTimeout: 5 * time.Millisecond})

	prof := c.Lookup(context.Background(), "p1")
	assert.Nil(t, prof)
}

func TestLookupDeduplicatesConcurrentFetches(t *testing.T) {
	st := memstore.New()
	fetcher := &countingFetcher{prof: &domain.Profile{Principal: "p1", Name: "dedup"}, delay: 20 * time.Millisecond}
	c := New(st, fetcher, Config{FastTimeout: 200 * time.Millisecond})

	done := make(chan *domain.Profile, 5)
	for i := 0; i < 5; i++ {
		go func() { done <- c.Lookup(context.Background(), "p1") }()
	}
	for i := 0; i < 5; i++ {
		prof := <-done
		require.NotNil(t, prof)
		assert.Equal(t, "dedup", prof.Name)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&fetcher.calls), int32(1))
}
