package wire_test

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nostrmcp/internal/keys"
	"github.com/mbd888/nostrmcp/internal/wire"
)

func signedAppEvent(t *testing.T, signer *keys.PrivateKeySigner, recipient string) nostr.Event {
	t.Helper()
	ev := nostr.Event{
		Kind:      wire.KindAppMessage,
		CreatedAt: nostr.Now(),
		Content:   `{"jsonrpc":"2.0","id":"r1","method":"tools/list"}`,
		Tags:      nostr.Tags{{wire.TagRecipient, recipient}},
	}
	require.NoError(t, signer.SignEvent(context.Background(), &ev))
	return ev
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	sender := keys.Generate()
	recipient := keys.Generate()

	for _, kind := range []int{wire.KindGiftWrap, wire.KindEphemeralGiftWrap} {
		inner := signedAppEvent(t, sender, recipient.PublicKey())

		wrapped, err := wire.Wrap(inner, recipient.PublicKey(), kind)
		require.NoError(t, err)

		assert.Equal(t, kind, wrapped.Kind)
		assert.NotEqual(t, sender.PublicKey(), wrapped.PubKey, "wrap must be authored by an ephemeral key")
		assert.Equal(t, recipient.PublicKey(), wrapped.Tags[0][1])
		ok, err := wrapped.CheckSignature()
		require.NoError(t, err)
		assert.True(t, ok)

		unwrapped, err := wire.Unwrap(context.Background(), recipient, wrapped)
		require.NoError(t, err)
		assert.Equal(t, inner.ID, unwrapped.ID)
		assert.Equal(t, inner.Content, unwrapped.Content)
		assert.Equal(t, sender.PublicKey(), unwrapped.PubKey)
	}
}

func TestWrap_RejectsUnrecognizedKind(t *testing.T) {
	sender := keys.Generate()
	recipient := keys.Generate()
	inner := signedAppEvent(t, sender, recipient.PublicKey())

	_, err := wire.Wrap(inner, recipient.PublicKey(), wire.KindAppMessage)
	assert.ErrorIs(t, err, wire.ErrUnrecognizedWrapKind)
}

func TestUnwrap_RejectsUnrecognizedKind(t *testing.T) {
	recipient := keys.Generate()
	ev := signedAppEvent(t, keys.Generate(), recipient.PublicKey())

	_, err := wire.Unwrap(context.Background(), recipient, ev)
	assert.ErrorIs(t, err, wire.ErrUnrecognizedWrapKind)
}

func TestUnwrap_WrongRecipientFails(t *testing.T) {
	sender := keys.Generate()
	recipient := keys.Generate()
	other := keys.Generate()

	inner := signedAppEvent(t, sender, recipient.PublicKey())
	wrapped, err := wire.Wrap(inner, recipient.PublicKey(), wire.KindGiftWrap)
	require.NoError(t, err)

	_, err = wire.Unwrap(context.Background(), other, wrapped)
	assert.Error(t, err)
}
