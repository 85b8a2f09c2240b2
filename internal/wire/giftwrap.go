package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// ErrUnrecognizedWrapKind is returned for events whose kind is not one of the
// recognized gift-wrap kinds.
var ErrUnrecognizedWrapKind = errors.New("unrecognized gift wrap kind")

// Wrap encrypts the JSON of a signed inner event under a freshly generated
// ephemeral key and returns a wrap event of the given kind, p-tagged to the
// recipient and signed by the ephemeral key. The caller's long-term key never
// touches the wrap; only the recipient can link the two.
func Wrap(inner nostr.Event, recipientPubkey string, wrapKind int) (nostr.Event, error) {
	if !IsWrapKind(wrapKind) {
		return nostr.Event{}, fmt.Errorf("%w: %d", ErrUnrecognizedWrapKind, wrapKind)
	}

	plaintext, err := json.Marshal(inner)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode inner event: %w", err)
	}

	ephemeralKey := nostr.GeneratePrivateKey()
	conversationKey, err := nip44.GenerateConversationKey(recipientPubkey, ephemeralKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("derive conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(plaintext), conversationKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt inner event: %w", err)
	}

	wrap := nostr.Event{
		Kind:      wrapKind,
		CreatedAt: nostr.Now(),
		Content:   ciphertext,
		Tags:      nostr.Tags{{TagRecipient, recipientPubkey}},
	}
	if err := wrap.Sign(ephemeralKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

// Unwrap decrypts a gift-wrap event using the signer and parses the plaintext
// as the inner event. The wrap author's pubkey (the ephemeral key) is the
// decryption peer; the signer never sees the ephemeral secret.
func Unwrap(ctx context.Context, signer Signer, wrap nostr.Event) (nostr.Event, error) {
	if !IsWrapKind(wrap.Kind) {
		return nostr.Event{}, fmt.Errorf("%w: %d", ErrUnrecognizedWrapKind, wrap.Kind)
	}

	plaintext, err := signer.Decrypt(ctx, wrap.PubKey, wrap.Content)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("decrypt wrap %s: %w", wrap.ID, err)
	}

	var inner nostr.Event
	if err := json.Unmarshal([]byte(plaintext), &inner); err != nil {
		return nostr.Event{}, fmt.Errorf("decode inner event: %w", err)
	}
	return inner, nil
}
