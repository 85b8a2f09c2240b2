// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Identity
	PrivateKey string // Hex-encoded Nostr secret key, with or without 0x prefix

	// Relays
	Relays []string // Relay URLs, ws:// or wss://

	// Transport settings
	EncryptionMode string // "disabled", "optional", "required"
	MaxSessions    int
	RouteCapacity  int

	// Server identity published in announcements
	ServerName    string
	ServerVersion string
	ServerAbout   string
	ServerWebsite string
	ServerPicture string

	// Client settings
	ServerPubkey string // Pubkey of the server to talk to (client side)
	Stateless    bool

	// Payments
	NWCURI            string // nostr+walletconnect:// wallet URI (optional)
	PaymentTTLSeconds int

	LogLevel string
}

const (
	DefaultRelay          = "wss://relay.damus.io"
	DefaultEncryptionMode = "optional"
	DefaultMaxSessions    = 128
	DefaultRouteCapacity  = 1024
	DefaultServerName     = "nostrmcp-server"
	DefaultServerVersion  = "0.1.0"
	DefaultPaymentTTL     = 300
	DefaultLogLevel       = "info"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		PrivateKey:        os.Getenv("NOSTR_PRIVATE_KEY"), // Required, no default
		Relays:            splitList(getEnv("NOSTR_RELAYS", DefaultRelay)),
		EncryptionMode:    getEnv("ENCRYPTION_MODE", DefaultEncryptionMode),
		MaxSessions:       int(getEnvInt64("MAX_SESSIONS", DefaultMaxSessions)),
		RouteCapacity:     int(getEnvInt64("ROUTE_CAPACITY", DefaultRouteCapacity)),
		ServerName:        getEnv("SERVER_NAME", DefaultServerName),
		ServerVersion:     getEnv("SERVER_VERSION", DefaultServerVersion),
		ServerAbout:       os.Getenv("SERVER_ABOUT"),
		ServerWebsite:     os.Getenv("SERVER_WEBSITE"),
		ServerPicture:     os.Getenv("SERVER_PICTURE"),
		ServerPubkey:      os.Getenv("SERVER_PUBKEY"),
		Stateless:         getEnvBool("STATELESS", false),
		NWCURI:            os.Getenv("NWC_URI"),
		PaymentTTLSeconds: int(getEnvInt64("PAYMENT_TTL_SECONDS", DefaultPaymentTTL)),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("NOSTR_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("NOSTR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if len(c.Relays) == 0 {
		return fmt.Errorf("NOSTR_RELAYS is required")
	}
	for _, relay := range c.Relays {
		if !strings.HasPrefix(relay, "ws://") && !strings.HasPrefix(relay, "wss://") {
			return fmt.Errorf("relay %q must start with ws:// or wss://", relay)
		}
	}

	switch c.EncryptionMode {
	case "disabled", "optional", "required":
	default:
		return fmt.Errorf("ENCRYPTION_MODE must be disabled, optional, or required")
	}

	if c.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be at least 1")
	}

	if c.NWCURI != "" && !strings.HasPrefix(c.NWCURI, "nostr+walletconnect://") {
		return fmt.Errorf("NWC_URI must start with nostr+walletconnect://")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
