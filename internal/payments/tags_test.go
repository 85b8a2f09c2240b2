package payments

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct{ pmi string }

func (h stubHandler) PMI() string                                       { return h.pmi }
func (h stubHandler) Handle(context.Context, PaymentRequired) error     { return nil }

func TestPmiTags(t *testing.T) {
	tags := PmiTags([]Handler{
		stubHandler{pmi: "Bitcoin-Lightning-BOLT11"},
		stubHandler{pmi: ""},
		stubHandler{pmi: "cashu"},
	})

	require.Len(t, tags, 2)
	assert.Equal(t, nostr.Tag{"pmi", "bitcoin-lightning-bolt11"}, tags[0])
	assert.Equal(t, nostr.Tag{"pmi", "cashu"}, tags[1])
}

func TestCapTags(t *testing.T) {
	tags := CapTags([]PricedCapability{
		{Method: "tools/call", Name: "echo", Amount: 10, CurrencyUnit: "sats"},
		{Method: "tools/call", Name: "search", Amount: 5, MaxAmount: 50, CurrencyUnit: "sats"},
		{Method: "prompts/get", Name: "summary", Amount: 0.5, CurrencyUnit: "usd"},
		{Method: "resources/read", Name: "db://table", Amount: 1, CurrencyUnit: "sats"},
		{Method: "tools/call", Name: "", Amount: 1},          // unnamed, skipped
		{Method: "logging/setLevel", Name: "x", Amount: 1},   // unpriceable method, skipped
	})

	require.Len(t, tags, 4)
	assert.Equal(t, nostr.Tag{"cap", "tool:echo", "10", "sats"}, tags[0])
	assert.Equal(t, nostr.Tag{"cap", "tool:search", "5-50", "sats"}, tags[1])
	assert.Equal(t, nostr.Tag{"cap", "prompt:summary", "0.5", "usd"}, tags[2])
	assert.Equal(t, nostr.Tag{"cap", "resource:db://table", "1", "sats"}, tags[3])
}

func TestPricedCapabilityMatches(t *testing.T) {
	c := PricedCapability{Method: "tools/call", Name: "echo"}
	assert.True(t, c.Matches("tools/call", "echo"))
	assert.False(t, c.Matches("tools/call", "other"))
	assert.False(t, c.Matches("prompts/get", "echo"))
}
