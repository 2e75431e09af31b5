// Package dispatcher sits between the Relay Supervisor and the work
// queue: it classifies incoming events, applies the fast in-memory dedup
// and rate-limit checks, and routes each event to its destination —
// straight to the Accounting engine for Receipt and BalanceQuery events
// (spec.md §2: "Accounting events bypass the work queue"), or onto the
// bounded work queue for anything the Processor must answer.
//
// It is grounded on this codebase's ancestor's agent-dispatch switch in
// internal/runtime (teacher's LocalRuntime.Call routing by agent name),
// generalized from a name-keyed map lookup into a kind-keyed event
// classification.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aixgo-dev/aixgo/internal/accounting"
	"github.com/aixgo-dev/aixgo/internal/dedup"
	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/ratelimit"
	"github.com/aixgo-dev/aixgo/internal/relay"
	"github.com/aixgo-dev/aixgo/internal/signer"
	"github.com/aixgo-dev/aixgo/internal/workqueue"
	"github.com/aixgo-dev/aixgo/pkg/observability"
)

// RateLimitCost is the token cost of one inbound message, charged
// against both the global and per-principal buckets.
const RateLimitCost = 1.0

// Processor answers a queued event; the Dispatcher doesn't know or care
// how (AI call, reply publish, history append all live behind it).
type Processor interface {
	Process(ctx context.Context, evt *domain.Event) error
}

// Publisher is the minimal fan-out the Dispatcher needs to send
// rate-limit and overload notices back to a DM sender.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) []relay.PublishResult
}

// Counters tracks the drop/accept tallies the observability status
// endpoint reports.
type Counters struct {
	Received     int64
	Deduped      int64
	RateLimited  int64
	Overloaded   int64
	Queued       int64
	Accounting   int64
	Ignored      int64
}

// Config configures a Dispatcher.
type Config struct {
	Self       domain.Principal
	EventSet   *dedup.EventSet
	Limiter    *ratelimit.Limiter
	Queue      *workqueue.Queue
	Accounting *accounting.Engine
	Processor  Processor
	Publisher  Publisher
	Signer     signer.Signer
	Logger     *slog.Logger
}

// Dispatcher classifies and routes events delivered by the relay
// Supervisor's Handler callback.
type Dispatcher struct {
	self       domain.Principal
	eventSet   *dedup.EventSet
	limiter    *ratelimit.Limiter
	queue      *workqueue.Queue
	accounting *accounting.Engine
	processor  Processor
	publisher  Publisher
	sign       signer.Signer
	log        *slog.Logger

	mu  chan struct{} // 1-buffered mutex-like guard for counters
	ctr Counters
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		self:       cfg.Self,
		eventSet:   cfg.EventSet,
		limiter:    cfg.Limiter,
		queue:      cfg.Queue,
		accounting: cfg.Accounting,
		processor:  cfg.Processor,
		publisher:  cfg.Publisher,
		sign:       cfg.Signer,
		log:        cfg.Logger,
		mu:         make(chan struct{}, 1),
	}
	d.mu <- struct{}{}
	return d
}

// Dispatch is the relay.Handler the Supervisor invokes for every
// delivered event.
func (d *Dispatcher) Dispatch(evt *domain.Event) {
	d.incr(func(c *Counters) { c.Received++ })
	observability.RecordEventReceived()

	if evt.Author == d.self {
		return
	}
	if d.eventSet.SeenOrAdd(evt.ID) {
		d.incr(func(c *Counters) { c.Deduped++ })
		observability.RecordEventDropped("deduped")
		return
	}

	switch evt.Kind {
	case domain.KindReceipt:
		d.handleReceipt(evt)
	case domain.KindBalanceQuery:
		d.handleBalanceQuery(evt)
	case domain.KindPrivateMessage, domain.KindPublicPost:
		d.handleChannel(evt)
	default:
		d.incr(func(c *Counters) { c.Ignored++ })
	}
}

func (d *Dispatcher) handleReceipt(evt *domain.Event) {
	d.incr(func(c *Counters) { c.Accounting++ })
	r, err := accounting.ParseReceipt(evt)
	if err != nil {
		d.log.Warn("malformed receipt dropped", "event", evt.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.accounting.CreditReceipt(ctx, r, time.Now()); err != nil {
		d.log.Error("credit receipt failed", "event", evt.ID, "error", err)
	}
}

func (d *Dispatcher) handleBalanceQuery(evt *domain.Event) {
	d.incr(func(c *Counters) { c.Accounting++ })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bal, err := d.accounting.Balance(ctx, evt.Author)
	if err != nil {
		d.log.Error("balance query failed", "event", evt.ID, "error", err)
		return
	}
	d.accounting.Announce(ctx, evt.Author, bal, time.Now())
}

func (d *Dispatcher) handleChannel(evt *domain.Event) {
	decision := d.limiter.Allow(evt.Author, RateLimitCost)
	if !decision.Allowed {
		d.incr(func(c *Counters) { c.RateLimited++ })
		observability.RecordRateLimited()
		d.notifyIfDM(evt, fmt.Sprintf("rate limit exceeded, retry in %s", decision.RetryAfter))
		return
	}

	task := &workqueue.Task{
		ID: evt.ID,
		Handle: func(ctx context.Context) error {
			return d.processor.Process(ctx, evt)
		},
	}
	if err := d.queue.Enqueue(task); err != nil {
		d.incr(func(c *Counters) { c.Overloaded++ })
		observability.RecordEventDropped("overloaded")
		d.notifyIfDM(evt, "too busy right now, please try again shortly")
		return
	}
	d.incr(func(c *Counters) { c.Queued++ })
	observability.RecordEventQueued()
	stats := d.queue.Stats()
	observability.SetQueueStats(stats.QueueLen, stats.InFlight)
}

// notifyIfDM sends a plaintext notice back to the sender only for
// PrivateMessage events; a PublicPost drop stays silent per spec.md §2.
func (d *Dispatcher) notifyIfDM(evt *domain.Event, text string) {
	if evt.Kind != domain.KindPrivateMessage || d.publisher == nil || d.sign == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ciphertext, err := d.sign.Encrypt(ctx, evt.Author, text)
	if err != nil {
		d.log.Error("encrypt notice failed", "peer", evt.Author, "error", err)
		return
	}
	notice := &domain.Event{
		Kind:      domain.KindPrivateMessage,
		CreatedAt: time.Now(),
		Content:   ciphertext,
		Tags: domain.Tags{
			domain.Tag{"p", string(evt.Author)},
		},
	}
	_ = d.publisher.Publish(ctx, notice)
}

// Stats returns a snapshot of the dispatcher's lifetime counters.
func (d *Dispatcher) Stats() Counters {
	<-d.mu
	c := d.ctr
	d.mu <- struct{}{}
	return c
}

func (d *Dispatcher) incr(f func(*Counters)) {
	<-d.mu
	f(&d.ctr)
	d.mu <- struct{}{}
}
