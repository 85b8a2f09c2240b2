package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

const (
	kindRequest  = 23194
	kindResponse = 23195

	requestTimeout = 15 * time.Second
)

// request and response are the NIP-47 content payloads.
type request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *walletError    `json:"error,omitempty"`
}

type walletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *walletError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client speaks NIP-47 to one wallet service over its relay. Payloads travel
// NIP-04 encrypted, which every deployed wallet understands.
type Client struct {
	cfg       Config
	sharedKey []byte
	logger    *slog.Logger

	mu    sync.Mutex
	relay *nostr.Relay
}

// NewClient derives the shared secret and returns an unconnected client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sharedKey, err := nip04.ComputeSharedSecret(cfg.WalletPubkey, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	return &Client{cfg: cfg, sharedKey: sharedKey, logger: logger}, nil
}

// Connect dials the wallet relay.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil && c.relay.IsConnected() {
		return nil
	}
	relay, err := nostr.RelayConnect(ctx, c.cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("connect wallet relay %s: %w", c.cfg.RelayURL, err)
	}
	c.relay = relay
	c.logger.Debug("wallet relay connected", "relay", c.cfg.RelayURL)
	return nil
}

// Close drops the relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay == nil {
		return nil
	}
	err := c.relay.Close()
	c.relay = nil
	return err
}

// call performs one NIP-47 request/response exchange. The response is found
// through an e-tag subscription on the request event id; some wallet relays
// deliver responses only to such filters.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	relay := c.relay
	c.mu.Unlock()
	if relay == nil {
		return nil, errors.New("not connected to wallet relay")
	}

	body, err := json.Marshal(request{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	ciphertext, err := nip04.Encrypt(string(body), c.sharedKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s request: %w", method, err)
	}

	ev := nostr.Event{
		Kind:      kindRequest,
		CreatedAt: nostr.Now(),
		Content:   ciphertext,
		Tags:      nostr.Tags{{"p", c.cfg.WalletPubkey}},
	}
	if err := ev.Sign(c.cfg.Secret); err != nil {
		return nil, fmt.Errorf("sign %s request: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	// Subscribe before publishing so the response cannot slip past.
	sub, err := relay.Subscribe(callCtx, nostr.Filters{{
		Kinds:   []int{kindResponse},
		Authors: []string{c.cfg.WalletPubkey},
		Tags:    nostr.TagMap{"e": []string{ev.ID}},
	}})
	if err != nil {
		return nil, fmt.Errorf("subscribe for %s response: %w", method, err)
	}
	defer sub.Unsub()

	if err := relay.Publish(callCtx, ev); err != nil {
		return nil, fmt.Errorf("publish %s request: %w", method, err)
	}
	c.logger.Debug("wallet request sent", "method", method, "event", ev.ID)

	for {
		select {
		case respEv := <-sub.Events:
			if respEv == nil {
				return nil, errors.New("wallet relay subscription closed")
			}
			plaintext, err := nip04.Decrypt(respEv.Content, c.sharedKey)
			if err != nil {
				c.logger.Debug("undecryptable wallet response", "event", respEv.ID, "error", err)
				continue
			}
			var resp response
			if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
				c.logger.Debug("unparsable wallet response", "event", respEv.ID, "error", err)
				continue
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			if resp.ResultType != method {
				continue
			}
			return resp.Result, nil
		case <-callCtx.Done():
			return nil, fmt.Errorf("%s: %w", method, callCtx.Err())
		}
	}
}
