// Package store abstracts the durable key/value backend the core
// pipeline depends on for session logs, the processed-event index,
// balances, and receipts. The wire format and transport are an external
// collaborator; this package only defines the contract and the key
// layout documented alongside it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateEvent = errors.New("store: event already processed")
	ErrClosed         = errors.New("store: backend is closed")
)

// MessageLogCap is the most-recent-entries tail cap applied to every
// session's message log on both write and read.
const MessageLogCap = 1000

// ProcessedSetCap bounds the in-memory processed-event-id set maintained
// by the dispatcher; it is declared here because the store's
// exactly-once guarantee and the dispatcher's fast-path set share the
// same contract.
const ProcessedSetCap = 1000

// Store is the sole durable resource in the system. All state mutation
// that must survive a restart goes through it. Implementations must be
// safe for concurrent use, and balance mutation must be race-free under
// concurrent callers for the same principal (compare-and-swap or an
// equivalent transaction at the store level).
type Store interface {
	// SessionMeta loads session metadata, or ErrNotFound.
	SessionMeta(ctx context.Context, p domain.Principal, sessionID string) (*domain.SessionMeta, error)

	// SaveSessionMeta creates or updates session metadata and ensures the
	// session is present in the principal's session index.
	SaveSessionMeta(ctx context.Context, meta *domain.SessionMeta) error

	// UserSessions returns every session id known for a principal, each
	// once, sorted by session id; the order in which sessions were added
	// is not kept.
	UserSessions(ctx context.Context, p domain.Principal) ([]string, error)

	// AppendMessage appends a message to a session's log, marks eventID
	// (if non-empty) as processed, and bumps the session's message count
	// and last-message-at. Returns ErrDuplicateEvent if eventID was
	// already processed by a concurrent append, in which case no message
	// was written.
	AppendMessage(ctx context.Context, p domain.Principal, sessionID string, msg *domain.Message, eventID string) error

	// Messages returns up to limit most-recent messages for one session,
	// oldest first.
	Messages(ctx context.Context, p domain.Principal, sessionID string, limit int) ([]*domain.Message, error)

	// RecentMessagesForPrincipal unions messages across every session
	// belonging to p, sorted by timestamp, truncated to limit.
	RecentMessagesForPrincipal(ctx context.Context, p domain.Principal, limit int) ([]*domain.Message, error)

	// IsProcessed reports whether eventID already has a processed marker.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// Balance returns a principal's current balance; a principal with no
	// record has balance 0.
	Balance(ctx context.Context, p domain.Principal) (*domain.Balance, error)

	// Credit atomically adds sats (sats > 0) to a principal's balance and
	// returns the resulting balance. Must be race-free under concurrent
	// credits for the same principal (e.g. two receipts racing in from
	// different relays).
	Credit(ctx context.Context, p domain.Principal, sats int64, now time.Time) (*domain.Balance, error)

	// Debit atomically subtracts sats from a principal's balance if and
	// only if the resulting balance would be >= 0. ok is false (with the
	// balance unchanged) when funds are insufficient.
	Debit(ctx context.Context, p domain.Principal, sats int64, now time.Time) (bal *domain.Balance, ok bool, err error)

	// SaveReceipt persists a parsed receipt record at zap:<principal>:<ts>.
	SaveReceipt(ctx context.Context, r *domain.Receipt) error

	// AppendLedgerEntry records one balance mutation for audit purposes.
	// It is a side record: callers must not rely on it for correctness,
	// only Balance/Credit/Debit are authoritative.
	AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error

	// LedgerEntries returns up to limit most-recent ledger entries for a
	// principal, oldest first. limit <= 0 means no cap.
	LedgerEntries(ctx context.Context, p domain.Principal, limit int) ([]*domain.LedgerEntry, error)

	// Profile returns a cached profile, or ErrNotFound if absent/expired.
	Profile(ctx context.Context, p domain.Principal, maxAge time.Duration) (*domain.Profile, error)

	// SaveProfile caches a fetched profile.
	SaveProfile(ctx context.Context, prof *domain.Profile) error

	// Close releases resources held by the backend.
	Close() error
}
