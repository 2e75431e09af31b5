// Package domain holds the core value types shared across the bot's
// ingestion-to-reply pipeline. Nothing here knows about Redis, Nostr wire
// frames, or the AI backend; those live behind the interfaces in sibling
// packages and translate at the boundary.
package domain

import "time"

// Principal is a 32-byte public key rendered as a stable lowercase hex
// string. It identifies a user or the bot itself.
type Principal string

// EventKind enumerates the event shapes the bot consumes and produces.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindPrivateMessage
	KindPublicPost
	KindReceipt
	KindBalanceQuery
	KindBalanceAnnouncement
	KindMetadata
)

func (k EventKind) String() string {
	switch k {
	case KindPrivateMessage:
		return "private_message"
	case KindPublicPost:
		return "public_post"
	case KindReceipt:
		return "receipt"
	case KindBalanceQuery:
		return "balance_query"
	case KindBalanceAnnouncement:
		return "balance_announcement"
	case KindMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Tag is an ordered sequence of strings, e.g. ["p", "<pubkey>"].
type Tag []string

// Tags is an ordered sequence of Tag.
type Tags []Tag

// First returns the first value of the first tag named key, if any.
func (t Tags) First(key string) (string, bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1], true
		}
	}
	return "", false
}

// All returns the first value of every tag named key, in order.
func (t Tags) All(key string) []string {
	var out []string
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == key {
			out = append(out, tag[1])
		}
	}
	return out
}

// Event is an immutable signed record as understood by the core pipeline.
// It is the module's own shape, not a wire struct; the relay package
// translates to and from it.
type Event struct {
	ID        string
	Author    Principal
	Kind      EventKind
	CreatedAt time.Time
	Tags      Tags
	Content   string // opaque bytes or ciphertext, UTF-8 carrier
	RelayURL  string // originating relay, set by the supervisor
}

// SessionOrigin distinguishes how a session came to exist.
type SessionOrigin string

const (
	OriginDM     SessionOrigin = "dm"
	OriginPublic SessionOrigin = "public"
	OriginOther  SessionOrigin = "other"
)

// SessionMeta is the durable metadata record for a conversation thread.
type SessionMeta struct {
	Principal     Principal
	SessionID     string
	CreatedAt     time.Time
	LastMessageAt time.Time
	MessageCount  int
	Origin        SessionOrigin
	Label         string
}

// MessageDirection distinguishes the author side of a Message Record.
type MessageDirection string

const (
	DirectionUser MessageDirection = "user"
	DirectionBot  MessageDirection = "bot"
)

// MessageClass classifies a Message Record for downstream consumers.
type MessageClass string

const (
	ClassQuestion    MessageClass = "question"
	ClassResponse    MessageClass = "response"
	ClassBalanceInfo MessageClass = "balance_info"
	ClassSystem      MessageClass = "system"
)

// Message is a single append-only entry in a session's log.
type Message struct {
	ID             string
	Direction      MessageDirection
	Text           string
	Timestamp      time.Time
	Classification MessageClass
	ReplyTo        string // id of the user message this reply answers
	SourceEventID  string
	SourceKind     EventKind
	ProfileSnap    *ProfileSnapshot
}

// ProfileSnapshot is a lightweight copy of a User Profile Cache Entry
// embedded into a Message Record at the time it was written.
type ProfileSnapshot struct {
	Name        string
	DisplayName string
	About       string
}

// ProcessedMarker records that an event-id has already produced at most
// one Message Record, for exactly-once delivery.
type ProcessedMarker struct {
	EventID   string
	SessionID string
	Timestamp time.Time
}

// Balance is a principal's non-negative integer sat balance.
type Balance struct {
	Principal   Principal
	Sats        int64
	LastUpdated time.Time
}

// Receipt is the parsed result of a Receipt event.
type Receipt struct {
	EventID   string
	Sender    Principal
	Sats      int64
	RequestID string
	Invoice   string
	RawDesc   string
	CreatedAt time.Time
}

// LedgerEntry is one audit-trail record of a balance mutation, written
// alongside (never instead of) the authoritative Balance row.
type LedgerEntry struct {
	Principal Principal
	Delta     int64 // positive for credit, negative for debit
	Balance   int64 // resulting balance after this entry
	Reason    string
	EventID   string
	Timestamp time.Time
}

// Profile is a cached snapshot of a principal's public metadata.
type Profile struct {
	Principal    Principal
	Name         string
	DisplayName  string
	About        string
	NIP05        string
	LightningAddr string
	Website      string
	FetchedAt    time.Time
	SourceRelay  string
}

// FailureKind classifies an Outcome's failure for retry/fallback routing.
type FailureKind string

const (
	FailTransientNetwork FailureKind = "transient_network"
	FailRemoteRejected   FailureKind = "remote_rejected"
	FailProtocolMalformed FailureKind = "protocol_malformed"
	FailOverloaded       FailureKind = "overloaded"
	FailInsufficientFunds FailureKind = "insufficient_funds"
	FailInternal         FailureKind = "internal"
)

// Outcome is a sum-typed result: Ok(reply) | Fail(kind, detail). The
// processor and dispatcher report failures as plain errors and do not
// return an Outcome.
type Outcome struct {
	ok     bool
	reply  string
	kind   FailureKind
	detail string
}

// Ok constructs a successful Outcome carrying the reply text.
func Ok(reply string) Outcome { return Outcome{ok: true, reply: reply} }

// Fail constructs a failed Outcome of the given kind.
func Fail(kind FailureKind, detail string) Outcome {
	return Outcome{ok: false, kind: kind, detail: detail}
}

// IsOk reports whether the outcome succeeded.
func (o Outcome) IsOk() bool { return o.ok }

// Reply returns the reply text and true if the outcome succeeded.
func (o Outcome) Reply() (string, bool) { return o.reply, o.ok }

// Failure returns the failure kind and detail; valid only when !IsOk().
func (o Outcome) Failure() (FailureKind, string) { return o.kind, o.detail }
