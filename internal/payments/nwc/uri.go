// Package nwc settles Lightning payments through a NIP-47 wallet service:
// it acts as the client-side payment handler (pay_invoice) and the
// server-side processor (make_invoice plus lookup_invoice polling).
package nwc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Config holds the wallet connection parameters carried by a
// nostr+walletconnect:// URI.
type Config struct {
	WalletPubkey string
	RelayURL     string
	Secret       string
	ClientPubkey string
}

// ParseURI parses a nostr+walletconnect://<wallet-pubkey>?relay=...&secret=...
// URI.
func ParseURI(raw string) (Config, error) {
	const scheme = "nostr+walletconnect://"
	if !strings.HasPrefix(raw, scheme) {
		return Config{}, errors.New("invalid NWC URI: must start with " + scheme)
	}

	// url.Parse rejects the nostr+walletconnect scheme, so swap it out.
	u, err := url.Parse(strings.Replace(raw, scheme, "https://", 1))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NWC URI: %w", err)
	}

	walletPubkey := u.Host
	if len(walletPubkey) != 64 {
		return Config{}, errors.New("invalid wallet pubkey: must be 64 hex characters")
	}
	if _, err := hex.DecodeString(walletPubkey); err != nil {
		return Config{}, errors.New("invalid wallet pubkey: not valid hex")
	}

	relay := u.Query().Get("relay")
	if relay == "" {
		return Config{}, errors.New("NWC URI must include a relay parameter")
	}
	if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
		return Config{}, errors.New("invalid relay URL: must start with ws:// or wss://")
	}

	secret := u.Query().Get("secret")
	if len(secret) != 64 {
		return Config{}, errors.New("invalid secret: must be 64 hex characters")
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return Config{}, errors.New("invalid secret: not valid hex")
	}

	clientPubkey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return Config{}, fmt.Errorf("derive client pubkey: %w", err)
	}

	return Config{
		WalletPubkey: walletPubkey,
		RelayURL:     relay,
		Secret:       secret,
		ClientPubkey: clientPubkey,
	}, nil
}
