// Package signer defines the bot's identity primitive: an opaque holder
// of its secret key that signs outgoing events and performs envelope
// encryption/decryption for private messages. The concrete cryptography
// lives in a sub-package (nostrsigner); callers only see this interface.
package signer

import (
	"context"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

// Signer signs event digests and encrypts/decrypts private-message
// envelopes. Implementations must be safe for concurrent use; the
// underlying primitive may serialize calls internally if it must.
type Signer interface {
	// PublicKey returns the bot's own principal.
	PublicKey() domain.Principal

	// SignDigest signs a 32-byte event digest and returns a hex signature.
	SignDigest(ctx context.Context, digest [32]byte) (string, error)

	// Encrypt produces an envelope-encrypted payload addressed to peer.
	Encrypt(ctx context.Context, peer domain.Principal, plaintext string) (string, error)

	// Decrypt reverses Encrypt; peer is the event's author.
	Decrypt(ctx context.Context, peer domain.Principal, ciphertext string) (string, error)
}
