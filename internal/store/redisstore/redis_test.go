package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewFromClient(client, "test:")
}

func TestBalanceDefaultsToZero(t *testing.T) {
	b := newTestBackend(t)
	bal, err := b.Balance(context.Background(), "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal.Sats)
}

func TestCreditThenDebit(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	bal, err := b.Credit(ctx, "p1", 10, now)
	require.NoError(t, err)
	assert.EqualValues(t, 10, bal.Sats)

	bal, applied, err := b.Debit(ctx, "p1", 4, now)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.EqualValues(t, 6, bal.Sats)
}

func TestDebitInsufficientFundsLeavesBalanceUnchanged(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	bal, applied, err := b.Debit(ctx, "p1", 5, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.EqualValues(t, 0, bal.Sats)
}

func TestConcurrentCreditsNeverLoseUpdates(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Credit(ctx, "p1", 1, time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := b.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 25, bal.Sats)
}

func TestAppendMessageRejectsDuplicateEventID(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	msg := &domain.Message{ID: "m1", Text: "hi", Timestamp: time.Now(), SourceKind: domain.KindPrivateMessage}

	require.NoError(t, b.AppendMessage(ctx, "p1", "s1", msg, "evt1"))
	err := b.AppendMessage(ctx, "p1", "s1", msg, "evt1")
	assert.ErrorIs(t, err, store.ErrDuplicateEvent)

	msgs, err := b.Messages(ctx, "p1", "s1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendMessageCreatesSessionMeta(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	msg := &domain.Message{ID: "m1", Text: "hi", Timestamp: time.Now(), SourceKind: domain.KindPublicPost}

	require.NoError(t, b.AppendMessage(ctx, "p1", "s1", msg, "evt1"))

	meta, err := b.SessionMeta(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.OriginPublic, meta.Origin)
	assert.Equal(t, 1, meta.MessageCount)

	sessions, err := b.UserSessions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sessions)
}

func TestSaveAndLoadProfileRespectsMaxAge(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	prof := &domain.Profile{Principal: "p1", Name: "alice", FetchedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, b.SaveProfile(ctx, prof))

	_, err := b.Profile(ctx, "p1", time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound, "profile older than maxAge should be treated as absent")

	got, err := b.Profile(ctx, "p1", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
}

func TestLedgerEntriesTrimToCapOnWrite(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for i := 0; i < ledgerCap+5; i++ {
		require.NoError(t, b.AppendLedgerEntry(ctx, &domain.LedgerEntry{
			Principal: "p1", Delta: 1, Balance: int64(i + 1), Timestamp: time.Now(),
		}))
	}

	entries, err := b.LedgerEntries(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, entries, ledgerCap)
	assert.EqualValues(t, 6, entries[0].Balance)
	assert.EqualValues(t, ledgerCap+5, entries[len(entries)-1].Balance)
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Close())

	_, err := b.Balance(context.Background(), "p1")
	assert.ErrorIs(t, err, store.ErrClosed)
}

var _ store.Store = (*Backend)(nil)
