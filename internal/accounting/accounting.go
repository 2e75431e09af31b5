// Package accounting implements credit-on-receipt and debit-before-reply
// pricing: the only two ways a Balance ever changes. It is grounded on
// _examples/dephy-io-dephy-deepseek_proxy/dsproxy-backend/logic/message.go's
// token-ledger-via-Nostr-transaction-event pattern, generalized from that
// proxy's single fixed-price deduction into the per-channel-kind pricing
// and receipt-driven crediting spec.md §4.4 requires.
package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/relay"
	"github.com/aixgo-dev/aixgo/internal/store"
	"github.com/aixgo-dev/aixgo/pkg/observability"
)

// Pricing in sats per channel kind.
const (
	PricePrivateMessage int64 = 1
	PricePublicPost     int64 = 2
)

// CostFor returns the sat price of replying to an event of kind k, or 0
// if the kind carries no charge.
func CostFor(k domain.EventKind) int64 {
	switch k {
	case domain.KindPrivateMessage:
		return PricePrivateMessage
	case domain.KindPublicPost:
		return PricePublicPost
	default:
		return 0
	}
}

// Publisher is the fan-out primitive accounting uses to broadcast
// BalanceAnnouncements and receipt thank-you posts. internal/relay.Supervisor
// satisfies this.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) []relay.PublishResult
}

// Engine wires the Store to the Publisher for balance mutation and the
// announcements that must follow every mutation.
type Engine struct {
	store     store.Store
	publisher Publisher
	bot       domain.Principal
	log       *slog.Logger
}

// New constructs an Engine. bot is the bot's own principal, used as the
// "owner" tag on outgoing BalanceAnnouncements.
func New(st store.Store, pub Publisher, bot domain.Principal, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, publisher: pub, bot: bot, log: log}
}

// embeddedRequest is the JSON object carried in a Receipt's description
// tag, per spec.md §4.4 and §6.
type embeddedRequest struct {
	Pubkey string      `json:"pubkey"`
	Tags   domain.Tags `json:"tags"`
}

// ParseReceipt extracts a domain.Receipt from a Receipt event, or
// returns an error describing why it couldn't (caller should log and
// drop, per spec.md §4.4 and §7 ProtocolMalformed).
func ParseReceipt(evt *domain.Event) (*domain.Receipt, error) {
	invoice, _ := evt.Tags.First("bolt11")

	descRaw, ok := evt.Tags.First("description")
	var sender domain.Principal
	var millisats int64

	if ok && descRaw != "" {
		var req embeddedRequest
		if err := json.Unmarshal([]byte(descRaw), &req); err == nil {
			if req.Pubkey != "" {
				sender = domain.Principal(req.Pubkey)
			}
			if amt, ok := req.Tags.First("amount"); ok {
				millisats = parseInt(amt)
			}
		}
	}

	if sender == "" {
		sender = evt.Author
	}
	if millisats == 0 {
		if amt, ok := evt.Tags.First("amount"); ok {
			millisats = parseInt(amt)
		}
	}

	sats := millisats / 1000
	if sats <= 0 {
		return nil, fmt.Errorf("receipt %s: zero or unparseable amount", evt.ID)
	}

	return &domain.Receipt{
		EventID:   evt.ID,
		Sender:    sender,
		Sats:      sats,
		RequestID: evt.ID,
		Invoice:   invoice,
		RawDesc:   descRaw,
		CreatedAt: evt.CreatedAt,
	}, nil
}

func parseInt(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

// CreditReceipt persists a parsed receipt, atomically credits the
// sender's balance, and broadcasts a BalanceAnnouncement plus a
// human-readable public thank-you post.
func (e *Engine) CreditReceipt(ctx context.Context, r *domain.Receipt, now time.Time) (*domain.Balance, error) {
	if err := e.store.SaveReceipt(ctx, r); err != nil {
		return nil, fmt.Errorf("save receipt: %w", err)
	}
	bal, err := e.store.Credit(ctx, r.Sender, r.Sats, now)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	e.logLedger(ctx, r.Sender, r.Sats, bal.Sats, "receipt", r.EventID, now)
	observability.RecordSatsCredited(r.Sats)

	e.announce(ctx, r.Sender, bal, now)
	e.thank(ctx, r, now)
	return bal, nil
}

// Debit charges cost sats from p's balance before a reply is generated.
// ok is false (balance unchanged) when funds are insufficient; the
// caller is responsible for the insufficient-funds notice.
func (e *Engine) Debit(ctx context.Context, p domain.Principal, cost int64, now time.Time) (bal *domain.Balance, ok bool, err error) {
	if cost <= 0 {
		bal, err = e.store.Balance(ctx, p)
		return bal, true, err
	}
	bal, ok, err = e.store.Debit(ctx, p, cost, now)
	if err == nil && ok {
		e.logLedger(ctx, p, -cost, bal.Sats, "debit", "", now)
		observability.RecordSatsDebited(cost)
	}
	return bal, ok, err
}

// logLedger appends an audit-trail entry. It is best-effort: a failure
// here must never unwind the balance mutation it describes.
func (e *Engine) logLedger(ctx context.Context, p domain.Principal, delta, resultingBalance int64, reason, eventID string, now time.Time) {
	entry := &domain.LedgerEntry{
		Principal: p,
		Delta:     delta,
		Balance:   resultingBalance,
		Reason:    reason,
		EventID:   eventID,
		Timestamp: now,
	}
	if err := e.store.AppendLedgerEntry(ctx, entry); err != nil {
		e.log.Warn("append ledger entry", "principal", p, "error", err)
	}
}

// Balance returns p's current balance, for BalanceQuery handling.
func (e *Engine) Balance(ctx context.Context, p domain.Principal) (*domain.Balance, error) {
	return e.store.Balance(ctx, p)
}

// Announce broadcasts a BalanceAnnouncement for p with its current
// balance. Exported so the Processor can call it after a debit without
// going through CreditReceipt.
func (e *Engine) Announce(ctx context.Context, p domain.Principal, bal *domain.Balance, now time.Time) {
	e.announce(ctx, p, bal, now)
}

func (e *Engine) announce(ctx context.Context, p domain.Principal, bal *domain.Balance, now time.Time) {
	content, err := json.Marshal(struct {
		Balance   int64  `json:"balance"`
		Currency  string `json:"currency"`
		Timestamp int64  `json:"timestamp"`
	}{Balance: bal.Sats, Currency: "sats", Timestamp: now.UnixMilli()})
	if err != nil {
		e.log.Error("marshal balance announcement", "error", err)
		return
	}

	evt := &domain.Event{
		Kind:      domain.KindBalanceAnnouncement,
		CreatedAt: now,
		Content:   string(content),
		Tags: domain.Tags{
			domain.Tag{"p", string(p)},
			domain.Tag{"balance", fmt.Sprintf("%d", bal.Sats)},
		},
	}
	results := e.publisher.Publish(ctx, evt)
	if !relay.Delivered(results) {
		e.log.Warn("balance announcement not delivered to any relay", "principal", p)
	}
}

func (e *Engine) thank(ctx context.Context, r *domain.Receipt, now time.Time) {
	evt := &domain.Event{
		Kind:      domain.KindPublicPost,
		CreatedAt: now,
		Content:   fmt.Sprintf("Thanks for the %d sats! ⚡", r.Sats),
		Tags: domain.Tags{
			domain.Tag{"p", string(r.Sender)},
		},
	}
	_ = e.publisher.Publish(ctx, evt)
}
