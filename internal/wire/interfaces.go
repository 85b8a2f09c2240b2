package wire

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

// Errors shared across signer and relay implementations.
var (
	// ErrEncryptionUnsupported is returned by signers that cannot perform
	// NIP-44 encryption, and surfaced when a wrap is required but impossible.
	ErrEncryptionUnsupported = errors.New("signer does not support encryption")

	// ErrInvalidRelayURL is returned for relay URLs that are not ws:// or wss://.
	ErrInvalidRelayURL = errors.New("invalid relay URL")

	// ErrPublishFailed is returned when every relay rejected an event.
	ErrPublishFailed = errors.New("publish failed on all relays")
)

// Signer produces the transport identity and performs event signing and
// NIP-44 payload encryption. Implementations must be safe for concurrent use
// by a single transport. The in-process private-key signer lives in
// internal/keys; a remote signer is expected to satisfy the same contract.
type Signer interface {
	// PublicKey returns the hex public key this signer authors events under.
	PublicKey() string

	// SignEvent fills in the event's pubkey, id, and signature.
	SignEvent(ctx context.Context, ev *nostr.Event) error

	// Encrypt encrypts plaintext for peerPubkey under the NIP-44 conversation
	// key. Returns ErrEncryptionUnsupported if the signer lacks the capability.
	Encrypt(ctx context.Context, peerPubkey, plaintext string) (string, error)

	// Decrypt reverses Encrypt for a payload authored by peerPubkey.
	Decrypt(ctx context.Context, peerPubkey, ciphertext string) (string, error)
}

// OnEvent receives events delivered by a subscription.
type OnEvent func(ev nostr.Event)

// RelayHandler is the narrow relay-pool contract the transports consume.
// Publish succeeds if any relay accepts the event and fails only when all
// reject. Implementations must tolerate concurrent Publish calls alongside
// one active Subscribe.
type RelayHandler interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, ev nostr.Event) error
	Subscribe(ctx context.Context, filters nostr.Filters, onEvent OnEvent) (unsubscribe func(), err error)
	Disconnect() error
}
