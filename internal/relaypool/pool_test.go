package relaypool

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nostrmcp/internal/wire"
)

func TestNew_ValidatesURLs(t *testing.T) {
	valid := [][]string{
		{"wss://relay.example.com"},
		{"ws://localhost:7777"},
		{"wss://a.example", "wss://b.example"},
	}
	for _, urls := range valid {
		_, err := New(urls, nil)
		assert.NoError(t, err, "urls: %v", urls)
	}

	invalid := [][]string{
		{},
		{"https://relay.example.com"},
		{"relay.example.com"},
		{"wss://"},
		{"wss://good.example", "ftp://bad.example"},
	}
	for _, urls := range invalid {
		_, err := New(urls, nil)
		assert.ErrorIs(t, err, wire.ErrInvalidRelayURL, "urls: %v", urls)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	p, err := New([]string{"wss://relay.example.com"}, nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), nostr.Event{})
	assert.ErrorIs(t, err, wire.ErrPublishFailed)
}
