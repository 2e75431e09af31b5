// Package relay abstracts the multi-relay pub/sub connection this bot
// depends on. The core pipeline never imports a wire protocol library
// directly; it depends on the Client interface here, and a concrete
// adapter (internal/relay/nostrrelay) translates to and from the wire.
//
// The inbound stream is modeled the way DESIGN NOTES §9 asks: a lazy
// sequence of framed messages that ends on cancellation or remote close,
// exposed as a pull iterator rather than a bare channel, so the
// Supervisor can tear a subscription down cleanly without leaking a
// goroutine blocked on a send.
package relay

import (
	"context"
	"time"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

// FrameKind distinguishes the three frame shapes a subscription can
// produce, mirroring the wire protocol's EVENT / EOSE / CLOSED frames.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameEOSE
	FrameClosed
)

// Frame is one message off a subscription's stream.
type Frame struct {
	Kind   FrameKind
	Event  *domain.Event // set when Kind == FrameEvent
	Reason string        // set when Kind == FrameClosed
}

// Subscription is a pull iterator over a relay's event stream. Next
// blocks until a frame is available, ctx is canceled, or the stream
// ends; ok is false only once the stream is permanently exhausted.
type Subscription interface {
	Next(ctx context.Context) (Frame, bool, error)
	Close()
}

// PublishResult is one relay's outcome for a single publish call.
type PublishResult struct {
	URL     string
	Success bool
	Error   error
}

// Client is the wire-level contract a single relay connection exposes.
// Concrete adapters (nostrrelay.Client) implement this over a real
// protocol library; tests implement it with an in-memory fake.
type Client interface {
	URL() string
	Subscribe(ctx context.Context, filters []domain.Filter) (Subscription, error)
	Publish(ctx context.Context, event *domain.Event) error
	QueryProfile(ctx context.Context, p domain.Principal, timeout time.Duration) (*domain.Profile, error)
	Close() error
}

// Health is the per-relay status record the observability surface
// reports.
type Health struct {
	URL         string
	Connected   bool
	LastSeen    time.Time
	Received    int64
	Sent        int64
	LastError   string
	Failures    int
	Permanently bool
}
