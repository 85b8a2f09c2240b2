// Package wire defines the on-relay protocol surface: event kinds and tag
// names, the raw JSON-RPC message envelope, the signer and relay abstractions,
// and the gift-wrap codec used for optional payload encryption.
package wire

// Event kinds used by the transport.
const (
	// KindAppMessage carries one JSON-RPC value per event. Ephemeral: relays
	// deliver it to live subscribers and do not store it.
	KindAppMessage = 25910

	// KindGiftWrap is the persistent wrap kind: content is the NIP-44
	// ciphertext of an inner signed event, authored under a one-shot key.
	KindGiftWrap = 1059

	// KindEphemeralGiftWrap follows the same structure as KindGiftWrap but in
	// the ephemeral kind range, for wraps that must not be stored.
	KindEphemeralGiftWrap = 21059

	// Server announcement kinds (addressable).
	KindServerInfo            = 11316
	KindToolsList             = 11317
	KindResourcesList         = 11318
	KindResourceTemplatesList = 11319
	KindPromptsList           = 11320
)

// Tag names.
const (
	TagRecipient = "p" // recipient pubkey
	TagEvent     = "e" // correlated request event id
	TagCap       = "cap"
	TagPMI       = "pmi"

	// Announcement decoration tags.
	TagName                       = "name"
	TagWebsite                    = "website"
	TagPicture                    = "picture"
	TagAbout                      = "about"
	TagSupportEncryption          = "support_encryption"
	TagSupportEncryptionEphemeral = "support_encryption_ephemeral"
)

// Keys inside params._meta.
const (
	MetaClientPubkey  = "clientPubkey"
	MetaProgressToken = "progressToken"
)

// IsWrapKind reports whether kind is one of the recognized gift-wrap kinds.
func IsWrapKind(kind int) bool {
	return kind == KindGiftWrap || kind == KindEphemeralGiftWrap
}
