// Package nostrrelay implements relay.Client over github.com/nbd-wtf/go-nostr,
// the only library in the retrieval pack that speaks a relay pub/sub wire
// protocol (grounded on
// _examples/dephy-io-dephy-deepseek_proxy/dsproxy-backend/pkg/nostr_client.go's
// RelayConnect/Subscribe/sub.Events/EndOfStoredEvents shape).
package nostrrelay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aixgo-dev/aixgo/internal/domain"
	"github.com/aixgo-dev/aixgo/internal/relay"
	"github.com/aixgo-dev/aixgo/internal/signer"
)

// Client adapts a single *nostr.Relay connection to relay.Client.
type Client struct {
	relay *nostr.Relay
	sign  signer.Signer
}

// Dial connects to url and returns a relay.Client backed by it. It is
// meant to be passed as relay.Config.Dial, closed over sign.
func Dial(sign signer.Signer) func(ctx context.Context, url string) (relay.Client, error) {
	return func(ctx context.Context, url string) (relay.Client, error) {
		r, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", url, err)
		}
		return &Client{relay: r, sign: sign}, nil
	}
}

func (c *Client) URL() string { return c.relay.URL }

func (c *Client) Subscribe(ctx context.Context, filters []domain.Filter) (relay.Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, toNostrFilters(filters))
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &subscription{sub: sub}, nil
}

// Publish signs event (computing its NIP-01 id and schnorr signature via
// the injected Signer, which keeps the secret key out of this package)
// and publishes it.
func (c *Client) Publish(ctx context.Context, event *domain.Event) error {
	ne, err := toNostrEvent(ctx, c.sign, event)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	if err := c.relay.Publish(ctx, *ne); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// QueryProfile issues a bounded synchronous query for a principal's
// latest kind-0 metadata event.
func (c *Client) QueryProfile(ctx context.Context, p domain.Principal, timeout time.Duration) (*domain.Profile, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := 1
	events, err := c.relay.QuerySync(qctx, nostr.Filter{
		Kinds:   []int{domain.NostrKindMetadata},
		Authors: []string{string(p)},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return parseProfile(p, events[0].Content, c.relay.URL)
}

func (c *Client) Close() error {
	return c.relay.Close()
}

type subscription struct {
	sub *nostr.Subscription
}

// Next pulls the next frame off the subscription, blocking until one
// arrives, ctx is canceled, or the stream ends. ok is false as soon as
// either the subscription's event channel or its closed-reason channel
// is closed — the cancellation path DESIGN NOTES §9 calls for.
func (s *subscription) Next(ctx context.Context) (relay.Frame, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return relay.Frame{}, false, ctx.Err()
		case evt, ok := <-s.sub.Events:
			if !ok {
				return relay.Frame{}, false, nil
			}
			return relay.Frame{Kind: relay.FrameEvent, Event: fromNostrEvent(evt)}, true, nil
		case <-s.sub.EndOfStoredEvents:
			return relay.Frame{Kind: relay.FrameEOSE}, true, nil
		case reason, ok := <-s.sub.ClosedReason:
			if !ok {
				return relay.Frame{}, false, nil
			}
			return relay.Frame{Kind: relay.FrameClosed, Reason: reason}, true, nil
		}
	}
}

func (s *subscription) Close() {
	s.sub.Unsub()
}

func toNostrFilters(filters []domain.Filter) nostr.Filters {
	out := make(nostr.Filters, 0, len(filters))
	for _, f := range filters {
		nf := nostr.Filter{
			Since: ptrTimestamp(f.Since),
		}
		for _, k := range f.Kinds {
			nf.Kinds = append(nf.Kinds, domain.NostrKind(k))
		}
		if len(f.Tags) > 0 {
			nf.Tags = nostr.TagMap{}
			for name, values := range f.Tags {
				nf.Tags[name] = values
			}
		}
		out = append(out, nf)
	}
	return out
}

func ptrTimestamp(t domain.Timestamp) *nostr.Timestamp {
	nt := nostr.Timestamp(t)
	return &nt
}

func fromNostrEvent(evt *nostr.Event) *domain.Event {
	tags := make(domain.Tags, 0, len(evt.Tags))
	for _, t := range evt.Tags {
		tags = append(tags, domain.Tag(t))
	}
	return &domain.Event{
		ID:        evt.ID,
		Author:    domain.Principal(evt.PubKey),
		Kind:      domain.KindFromNostr(evt.Kind),
		CreatedAt: evt.CreatedAt.Time(),
		Tags:      tags,
		Content:   evt.Content,
	}
}

func toNostrEvent(ctx context.Context, sign signer.Signer, e *domain.Event) (*nostr.Event, error) {
	tags := make(nostr.Tags, 0, len(e.Tags))
	for _, t := range e.Tags {
		tags = append(tags, nostr.Tag(t))
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ne := nostr.Event{
		PubKey:    string(sign.PublicKey()),
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      domain.NostrKind(e.Kind),
		Tags:      tags,
		Content:   e.Content,
	}
	ne.ID = ne.GetID()

	digest, err := hex.DecodeString(ne.ID)
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("compute event id: %w", err)
	}
	var d [32]byte
	copy(d[:], digest)

	sig, err := sign.SignDigest(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	ne.Sig = sig
	return &ne, nil
}

func parseProfile(p domain.Principal, content, relayURL string) (*domain.Profile, error) {
	var raw struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		DisplayNameAlt string `json:"displayName"`
		About       string `json:"about"`
		NIP05       string `json:"nip05"`
		LUD16       string `json:"lud16"`
		LUD06       string `json:"lud06"`
		Website     string `json:"website"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse metadata content: %w", err)
	}
	display := raw.DisplayName
	if display == "" {
		display = raw.DisplayNameAlt
	}
	addr := raw.LUD16
	if addr == "" {
		addr = raw.LUD06
	}
	return &domain.Profile{
		Principal:     p,
		Name:          raw.Name,
		DisplayName:   display,
		About:         raw.About,
		NIP05:         raw.NIP05,
		LightningAddr: addr,
		Website:       raw.Website,
		FetchedAt:     time.Now(),
		SourceRelay:   relayURL,
	}, nil
}
