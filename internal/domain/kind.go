package domain

// Nostr kind numbers for each EventKind this bot consumes or produces.
// PrivateMessage and PublicPost map onto NIP-04 and the base text-note
// kind; Receipt maps onto the zap-receipt-shaped kind used by the only
// pack repo that speaks this protocol. BalanceQuery/BalanceAnnouncement
// have no NIP of their own — this repo fixes them in the
// application-specific range, documented here and in DESIGN.md.
const (
	NostrKindPrivateMessage      = 4
	NostrKindPublicPost          = 1
	NostrKindReceipt             = 9735
	NostrKindMetadata            = 0
	NostrKindBalanceAnnouncement = 7000
	NostrKindBalanceQuery        = 7001
)

// KindFromNostr maps a wire kind number onto an EventKind, or
// KindUnknown if the number isn't one this bot understands.
func KindFromNostr(n int) EventKind {
	switch n {
	case NostrKindPrivateMessage:
		return KindPrivateMessage
	case NostrKindPublicPost:
		return KindPublicPost
	case NostrKindReceipt:
		return KindReceipt
	case NostrKindMetadata:
		return KindMetadata
	case NostrKindBalanceAnnouncement:
		return KindBalanceAnnouncement
	case NostrKindBalanceQuery:
		return KindBalanceQuery
	default:
		return KindUnknown
	}
}

// NostrKind maps an EventKind back onto its wire kind number.
func NostrKind(k EventKind) int {
	switch k {
	case KindPrivateMessage:
		return NostrKindPrivateMessage
	case KindPublicPost:
		return NostrKindPublicPost
	case KindReceipt:
		return NostrKindReceipt
	case KindMetadata:
		return NostrKindMetadata
	case KindBalanceAnnouncement:
		return NostrKindBalanceAnnouncement
	case KindBalanceQuery:
		return NostrKindBalanceQuery
	default:
		return -1
	}
}

// Filter scopes a relay subscription: the kinds wanted, tag constraints
// (e.g. "p" tag set to the bot principal), and a since-timestamp to skip
// history. It is the core package's own shape; relay adapters translate
// it to whatever wire filter their protocol uses.
type Filter struct {
	Kinds []EventKind
	Tags  map[string][]string // tag name -> accepted values
	Since Timestamp
}

// Timestamp is a seconds-since-epoch instant, matching the wire encoding
// used by event CreatedAt and filter Since/Until.
type Timestamp int64
