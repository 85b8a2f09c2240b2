// Package keys provides the in-process private-key signer.
package keys

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/mbd888/nostrmcp/internal/wire"
)

// PrivateKeySigner signs events and performs NIP-44 encryption with a local
// secret key. It is stateless after construction and safe for concurrent use.
type PrivateKeySigner struct {
	secretKey string
	publicKey string
}

var _ wire.Signer = (*PrivateKeySigner)(nil)

// NewPrivateKeySigner validates the hex secret key (a leading "0x" is
// tolerated) and derives the public key.
func NewPrivateKeySigner(secretKey string) (*PrivateKeySigner, error) {
	secretKey = strings.TrimPrefix(strings.TrimSpace(secretKey), "0x")
	if len(secretKey) != 64 {
		return nil, fmt.Errorf("secret key must be 64 hex characters, got %d", len(secretKey))
	}
	if _, err := hex.DecodeString(secretKey); err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}

	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &PrivateKeySigner{secretKey: secretKey, publicKey: publicKey}, nil
}

// Generate creates a signer with a fresh random key.
func Generate() *PrivateKeySigner {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	return &PrivateKeySigner{secretKey: sk, publicKey: pk}
}

// PublicKey returns the hex public key.
func (s *PrivateKeySigner) PublicKey() string { return s.publicKey }

// SignEvent computes the event id and schnorr signature in place.
func (s *PrivateKeySigner) SignEvent(_ context.Context, ev *nostr.Event) error {
	return ev.Sign(s.secretKey)
}

// Encrypt encrypts plaintext for peerPubkey under the NIP-44 conversation key.
func (s *PrivateKeySigner) Encrypt(_ context.Context, peerPubkey, plaintext string) (string, error) {
	conversationKey, err := nip44.GenerateConversationKey(peerPubkey, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("derive conversation key: %w", err)
	}
	return nip44.Encrypt(plaintext, conversationKey)
}

// Decrypt reverses Encrypt for a payload authored by peerPubkey.
func (s *PrivateKeySigner) Decrypt(_ context.Context, peerPubkey, ciphertext string) (string, error) {
	conversationKey, err := nip44.GenerateConversationKey(peerPubkey, s.secretKey)
	if err != nil {
		return "", fmt.Errorf("derive conversation key: %w", err)
	}
	return nip44.Decrypt(ciphertext, conversationKey)
}
