package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aixgo/internal/accounting"
	"github.com/aixgo-dev/aixgo/internal/dedup"
	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/ratelimit"
	"github.com/aixgo-dev/aixgo/internal/relay"
	"github.com/aixgo-dev/aixgo/internal/store/memstore"
	"github.com/aixgo-dev/aixgo/internal/workqueue"
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

type fakeSigner struct{ self domain.Principal }

func (s *fakeSigner) PublicKey() domain.Principal { return s.self }
func (s *fakeSigner) SignDigest(context.Context, [32]byte) (string, error) { return "sig", nil }
func (s *fakeSigner) Encrypt(_ context.Context, _ domain.Principal, plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}
func (s *fakeSigner) Decrypt(_ context.Context, _ domain.Principal, ciphertext string) (string, error) {
	return ciphertext, nil
}

type countingProcessor struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (p *countingProcessor) Process(ctx context.Context, evt *domain.Event) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return nil
}

func (p *countingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestDispatcher(t *testing.T, proc Processor, queue *workqueue.Queue) (*Dispatcher, *fakePublisher) {
	t.Helper()
	st := memstore.New()
	pub := &fakePublisher{}
	acct := accounting.New(st, pub, "bot", nil)
	limiter := ratelimit.New(50, 5)
	t.Cleanup(limiter.Stop)

	d := New(Config{
		Self:       "bot",
		EventSet:   dedup.NewEventSet(1000),
		Limiter:    limiter,
		Queue:      queue,
		Accounting: acct,
		Processor:  proc,
		Publisher:  pub,
		Signer:     &fakeSigner{self: "bot"},
	})
	return d, pub
}

func TestDispatchDropsSelfAuthoredEvents(t *testing.T) {
	proc := &countingProcessor{}
	queue := workqueue.New(workqueue.Config{MaxConcurrent: 2, MaxQueueSize: 10})
	d, _ := newTestDispatcher(t, proc, queue)

	d.Dispatch(&domain.Event{ID: "e1", Author: "bot", Kind: domain.KindPrivateMessage})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, proc.count())
}

func TestDispatchDeduplicatesByEventID(t *testing.T) {
	proc := &countingProcessor{}
	queue := workqueue.New(workqueue.Config{MaxConcurrent: 2, MaxQueueSize: 10})
	d, _ := newTestDispatcher(t, proc, queue)

	evt := &domain.Event{ID: "e1", Author: "p1", Kind: domain.KindPrivateMessage}
	d.Dispatch(evt)
	d.Dispatch(evt)

	require.Eventually(t, func() bool { return proc.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, proc.count())
	assert.Equal(t, int64(1), d.Stats().Deduped)
}

func TestDispatchRoutesChannelEventsToQueue(t *testing.T) {
	proc := &countingProcessor{}
	queue := workqueue.New(workqueue.Config{MaxConcurrent: 2, MaxQueueSize: 10})
	d, _ := newTestDispatcher(t, proc, queue)

	d.Dispatch(&domain.Event{ID: "e1", Author: "p1", Kind: domain.KindPublicPost})
	require.Eventually(t, func() bool { return proc.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), d.Stats().Queued)
}

func TestDispatchSendsOverloadedNoticeOnFullQueue(t *testing.T) {
	proc := &countingProcessor{}
	queue := workqueue.New(workqueue.Config{MaxConcurrent: 1, MaxQueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, queue.Enqueue(&workqueue.Task{ID: "blocker1", Handle: func(ctx context.Context) error { <-block; return nil }}))
	require.NoError(t, queue.Enqueue(&workqueue.Task{ID: "blocker2", Handle: func(ctx context.Context) error { <-block; return nil }}))
	d, pub := newTestDispatcher(t, proc, queue)

	d.Dispatch(&domain.Event{ID: "e1", Author: "p1", Kind: domain.KindPrivateMessage})
	assert.Equal(t, int64(1), d.Stats().Overloaded)
	assert.Equal(t, 1, pub.count(), "overloaded DM notice should be published")
}

func TestDispatchDropsPublicOnFullQueueSilently(t *testing.T) {
	proc := &countingProcessor{}
	queue := workqueue.New(workqueue.Config{MaxConcurrent: 1, MaxQueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, queue.Enqueue(&workqueue.Task{ID: "blocker1", Handle: func(ctx context.Context) error { <-block; return nil }}))
	require.NoError(t, queue.Enqueue(&workqueue.Task{ID: "blocker2", Handle: func(ctx context.Context) error { <-block; return nil }}))
	d, pub := newTestDispatcher(t, proc, queue)

	d.Dispatch(&domain.Event{ID: "e1", Author: "p1", Kind: domain.KindPublicPost})
	assert.Equal(t, int64(1), d.Stats().Overloaded)
	assert.Equal(t, 0, pub.count(), "public overload must stay silent")
}

func TestDispatchRateLimitSendsRetryAfterOnDM(t *testing.T) {
	proc := &countingProcessor{}
	queue := workqueue.New(workqueue.Config{MaxConcurrent: 2, MaxQueueSize: 10})
	st := memstore.New()
	pub := &fakePublisher{}
	acct := accounting.New(st, pub, "bot", nil)
	limiter := ratelimit.New(1, 0.001)
	t.Cleanup(limiter.Stop)

	d := New(Config{
		Self:       "bot",
		EventSet:   dedup.NewEventSet(1000),
		Limiter:    limiter,
		Queue:      queue,
		Accounting: acct,
		Processor:  proc,
		Publisher:  pub,
		Signer:     &fakeSigner{self: "bot"},
	})

	d.Dispatch(&domain.Event{ID: "e1", Author: "p1", Kind: domain.KindPrivateMessage})
	time.Sleep(10 * time.Millisecond)
	d.Dispatch(&domain.Event{ID: "e2", Author: "p1", Kind: domain.KindPrivateMessage})

	assert.Equal(t, int64(1), d.Stats().RateLimited)
	assert.Equal(t, 1, pub.count())
}

func TestDispatchReceiptBypassesQueue(t *testing.T) {
	proc := &countingProcessor{}
	queue := workqueue.New(workqueue.Config{MaxConcurrent: 2, MaxQueueSize: 10})
	d, pub := newTestDispatcher(t, proc, queue)

	d.Dispatch(&domain.Event{
		ID:     "receipt-1",
		Author: "p1",
		Kind:   domain.KindReceipt,
		Tags: domain.Tags{
			{"amount", "5000"},
		},
	})

	assert.Equal(t, 0, proc.count(), "receipts never touch the work queue")
	assert.Equal(t, int64(1), d.Stats().Accounting)
	assert.GreaterOrEqual(t, pub.count(), 2, "balance announcement + thank-you post")
}
