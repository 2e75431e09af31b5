package accounting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/relay"
	"github.com/aixgo-dev/aixgo/internal/store/memstore"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []*domain.Event
}

func (f *fakePublisher) Publish(_ context.Context, evt *domain.Event) []relay.PublishResult {
	f.mu.Lock()
	f.published = append(f.published, evt)
	f.mu.Unlock()
	return []relay.PublishResult{{URL: "wss://relay.test", Success: true}}
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestParseReceiptFromEmbeddedRequest(t *testing.T) {
	evt := &domain.Event{
		ID:     "receipt-1",
		Author: "receipt-author",
		Kind:   domain.KindReceipt,
		Tags: domain.Tags{
			{"bolt11", "lnbc1..."},
			{"description", `{"pubkey":"sender-pubkey","tags":[["amount","50000"]]}`},
		},
	}

	r, err := ParseReceipt(evt)
	require.NoError(t, err)
	assert.Equal(t, domain.Principal("sender-pubkey"), r.Sender)
	assert.Equal(t, int64(50), r.Sats)
	assert.Equal(t, "lnbc1...", r.Invoice)
}

func TestParseReceiptFallsBackToReceiptAmountTag(t *testing.T) {
	evt := &domain.Event{
		ID:     "receipt-2",
		Author: "fallback-author",
		Kind:   domain.KindReceipt,
		Tags: domain.Tags{
			{"amount", "3000"},
		},
	}

	r, err := ParseReceipt(evt)
	require.NoError(t, err)
	assert.Equal(t, domain.Principal("fallback-author"), r.Sender)
	assert.Equal(t, int64(3), r.Sats)
}

func TestParseReceiptRejectsZeroAmount(t *testing.T) {
	evt := &domain.Event{ID: "receipt-3", Author: "p1", Kind: domain.KindReceipt}
	_, err := ParseReceipt(evt)
	assert.Error(t, err)
}

func TestCreditReceiptIncrementsBalanceAndAnnounces(t *testing.T) {
	st := memstore.New()
	pub := &fakePublisher{}
	eng := New(st, pub, "bot", nil)

	r := &domain.Receipt{EventID: "e1", Sender: "p1", Sats: 50}
	bal, err := eng.CreditReceipt(context.Background(), r, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Sats)

	got, err := eng.Balance(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Sats)

	// Announcement + thank-you post.
	assert.Equal(t, 2, pub.count())
}

func TestDebitSufficientFunds(t *testing.T) {
	st := memstore.New()
	pub := &fakePublisher{}
	eng := New(st, pub, "bot", nil)

	_, err := st.Credit(context.Background(), "p1", 10, time.Now())
	require.NoError(t, err)

	bal, ok, err := eng.Debit(context.Background(), "p1", 1, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), bal.Sats)
}

func TestDebitInsufficientFundsLeavesBalanceUnchanged(t *testing.T) {
	st := memstore.New()
	pub := &fakePublisher{}
	eng := New(st, pub, "bot", nil)

	bal, ok, err := eng.Debit(context.Background(), "p1", 5, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), bal.Sats)
}

func TestCreditThenDebitRoundTrips(t *testing.T) {
	st := memstore.New()
	pub := &fakePublisher{}
	eng := New(st, pub, "bot", nil)

	_, err := eng.CreditReceipt(context.Background(), &domain.Receipt{EventID: "e1", Sender: "p1", Sats: 50}, time.Now())
	require.NoError(t, err)

	bal, ok, err := eng.Debit(context.Background(), "p1", 50, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), bal.Sats)
}

func TestCostForChannelKinds(t *testing.T) {
	assert.Equal(t, PricePrivateMessage, CostFor(domain.KindPrivateMessage))
	assert.Equal(t, PricePublicPost, CostFor(domain.KindPublicPost))
	assert.Equal(t, int64(0), CostFor(domain.KindBalanceQuery))
}

func TestConcurrentCreditsNeverLoseUpdates(t *testing.T) {
	st := memstore.New()
	pub := &fakePublisher{}
	eng := New(st, pub, "bot", nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = eng.CreditReceipt(context.Background(), &domain.Receipt{EventID: "e", Sender: "race", Sats: 1}, time.Now())
		}()
	}
	wg.Wait()

	bal, err := eng.Balance(context.Background(), "race")
	require.NoError(t, err)
	assert.Equal(t, int64(n), bal.Sats)
}
