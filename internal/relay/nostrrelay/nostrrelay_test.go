package nostrrelay

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

type fakeSigner struct{ pub domain.Principal }

func (f *fakeSigner) PublicKey() domain.Principal { return f.pub }
func (f *fakeSigner) SignDigest(context.Context, [32]byte) (string, error) {
	return "deadbeef", nil
}
func (f *fakeSigner) Encrypt(context.Context, domain.Principal, string) (string, error) { return "", nil }
func (f *fakeSigner) Decrypt(context.Context, domain.Principal, string) (string, error) { return "", nil }

func TestToNostrFiltersMapsKindsAndTags(t *testing.T) {
	filters := []domain.Filter{
		{
			Kinds: []domain.EventKind{domain.KindPrivateMessage, domain.KindPublicPost},
			Tags:  map[string][]string{"p": {"abc"}},
			Since: domain.Timestamp(1000),
		},
	}
	out := toNostrFilters(filters)
	require.Len(t, out, 1)
	assert.ElementsMatch(t, []int{domain.NostrKindPrivateMessage, domain.NostrKindPublicPost}, out[0].Kinds)
	assert.Equal(t, []string{"abc"}, out[0].Tags["p"])
	require.NotNil(t, out[0].Since)
	assert.EqualValues(t, 1000, *out[0].Since)
}

func TestFromNostrEventTranslatesFields(t *testing.T) {
	ts := nostr.Timestamp(1700000000)
	evt := &nostr.Event{
		ID:        "abc123",
		PubKey:    "pub1",
		CreatedAt: ts,
		Kind:      domain.NostrKindPrivateMessage,
		Tags:      nostr.Tags{{"p", "bot"}},
		Content:   "ciphertext",
	}
	out := fromNostrEvent(evt)

	assert.Equal(t, "abc123", out.ID)
	assert.Equal(t, domain.Principal("pub1"), out.Author)
	assert.Equal(t, domain.KindPrivateMessage, out.Kind)
	assert.Equal(t, "ciphertext", out.Content)
	require.Len(t, out.Tags, 1)
	assert.Equal(t, domain.Tag{"p", "bot"}, out.Tags[0])
}

func TestToNostrEventSignsAndComputesID(t *testing.T) {
	sign := &fakeSigner{pub: "bot-pubkey"}
	e := &domain.Event{
		Kind:      domain.KindPublicPost,
		CreatedAt: time.Unix(1700000000, 0),
		Tags:      domain.Tags{{"p", "peer"}},
		Content:   "hello world",
	}

	ne, err := toNostrEvent(context.Background(), sign, e)
	require.NoError(t, err)

	assert.Equal(t, "bot-pubkey", ne.PubKey)
	assert.Equal(t, domain.NostrKindPublicPost, ne.Kind)
	assert.Equal(t, "hello world", ne.Content)
	assert.Equal(t, "deadbeef", ne.Sig)
	assert.Len(t, ne.ID, 64, "event id is a 32-byte hex digest")
}

func TestToNostrEventDefaultsCreatedAtWhenZero(t *testing.T) {
	sign := &fakeSigner{pub: "bot-pubkey"}
	e := &domain.Event{Kind: domain.KindPublicPost, Content: "x"}

	ne, err := toNostrEvent(context.Background(), sign, e)
	require.NoError(t, err)
	assert.False(t, ne.CreatedAt.Time().IsZero())
}

func TestParseProfilePrefersDisplayNameOverAlt(t *testing.T) {
	content := `{"name":"alice","display_name":"Alice A","about":"hi","nip05":"alice@example.com","lud16":"alice@wallet.test","website":"https://alice.test"}`
	prof, err := parseProfile("p1", content, "wss://relay.test")
	require.NoError(t, err)

	assert.Equal(t, domain.Principal("p1"), prof.Principal)
	assert.Equal(t, "alice", prof.Name)
	assert.Equal(t, "Alice A", prof.DisplayName)
	assert.Equal(t, "alice@wallet.test", prof.LightningAddr)
	assert.Equal(t, "wss://relay.test", prof.SourceRelay)
}

func TestParseProfileFallsBackToAltDisplayNameAndLUD06(t *testing.T) {
	content := `{"name":"bob","displayName":"Bobby","lud06":"lnurl1xyz"}`
	prof, err := parseProfile("p2", content, "wss://relay.test")
	require.NoError(t, err)

	assert.Equal(t, "Bobby", prof.DisplayName)
	assert.Equal(t, "lnurl1xyz", prof.LightningAddr)
}

func TestParseProfileRejectsMalformedJSON(t *testing.T) {
	_, err := parseProfile("p1", "{not json", "wss://relay.test")
	assert.Error(t, err)
}
