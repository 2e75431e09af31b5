// Package nostrsigner implements signer.Signer against the Nostr
// protocol's secp256k1 keys, NIP-01 schnorr signatures, and NIP-04
// envelope encryption.
package nostrsigner

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

// Signer holds the bot's secret key in memory and exposes the signing
// and envelope-encryption primitives the core pipeline needs.
type Signer struct {
	secKeyHex string
	pubKeyHex string
	privKey   *btcec.PrivateKey
}

// New decodes a secret key supplied either as raw hex or as an nsec1...
// bech32 string (per BOT_PRIVATE_KEY's documented forms) and derives the
// corresponding public key.
func New(rawKey string) (*Signer, error) {
	secHex := rawKey
	if strings.HasPrefix(rawKey, "nsec1") {
		prefix, value, err := nip19.Decode(rawKey)
		if err != nil {
			return nil, fmt.Errorf("decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("expected nsec prefix, got %s", prefix)
		}
		secHex, _ = value.(string)
		if secHex == "" {
			return nil, fmt.Errorf("nsec decoded to empty key")
		}
	}

	secBytes, err := hex.DecodeString(secHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(secBytes)

	pubHex, err := nostr.GetPublicKey(secHex)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	return &Signer{secKeyHex: secHex, pubKeyHex: pubHex, privKey: priv}, nil
}

// PublicKey returns the bot's own principal.
func (s *Signer) PublicKey() domain.Principal { return domain.Principal(s.pubKeyHex) }

// SecretKeyHex exposes the raw secret key. It is not part of the Signer
// interface; the relay package signs events through SignDigest instead.
func (s *Signer) SecretKeyHex() string { return s.secKeyHex }

// SignDigest schnorr-signs a 32-byte event id digest.
func (s *Signer) SignDigest(_ context.Context, digest [32]byte) (string, error) {
	sig, err := schnorr.Sign(s.privKey, digest[:])
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// Encrypt produces a NIP-04 envelope addressed to peer.
func (s *Signer) Encrypt(_ context.Context, peer domain.Principal, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(string(peer), s.secKeyHex)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	ciphertext, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 encrypt: %w", err)
	}
	return ciphertext, nil
}

// Decrypt reverses Encrypt; peer is the event's author.
func (s *Signer) Decrypt(_ context.Context, peer domain.Principal, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(string(peer), s.secKeyHex)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	plaintext, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 decrypt: %w", err)
	}
	return plaintext, nil
}
