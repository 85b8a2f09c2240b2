// Package transport implements the client and server ends of a JSON-RPC
// channel carried over Nostr relay events, with optional gift-wrap encryption
// and request/response correlation through event ids.
package transport

import (
	"fmt"
	"strings"
)

// EncryptionMode controls whether payloads travel as plaintext events or
// inside gift wraps.
type EncryptionMode int

const (
	// EncryptionDisabled sends and accepts plaintext events only.
	EncryptionDisabled EncryptionMode = iota

	// EncryptionOptional accepts both. The client encrypts when it can; the
	// server answers each client in whatever form its last request used.
	EncryptionOptional

	// EncryptionRequired sends only encrypted events and drops plaintext.
	EncryptionRequired
)

// ParseEncryptionMode maps a config string to a mode. The empty string means
// optional.
func ParseEncryptionMode(s string) (EncryptionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled":
		return EncryptionDisabled, nil
	case "optional", "":
		return EncryptionOptional, nil
	case "required":
		return EncryptionRequired, nil
	default:
		return EncryptionOptional, fmt.Errorf("unknown encryption mode %q", s)
	}
}

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionDisabled:
		return "disabled"
	case EncryptionRequired:
		return "required"
	default:
		return "optional"
	}
}
