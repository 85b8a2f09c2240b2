// Package relaypool implements the transports' relay contract over a set of
// Nostr relays.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mbd888/nostrmcp/internal/metrics"
	"github.com/mbd888/nostrmcp/internal/retry"
	"github.com/mbd888/nostrmcp/internal/wire"
)

const (
	connectAttempts = 3
	connectBackoff  = 500 * time.Millisecond
)

// Pool fans a subscription in from, and publishes out to, multiple relays.
// Publish succeeds when at least one relay accepts the event. Duplicate
// delivery across relays is expected; the transports deduplicate by event id.
type Pool struct {
	urls   []string
	logger *slog.Logger

	mu     sync.Mutex
	relays map[string]*nostr.Relay
}

var _ wire.RelayHandler = (*Pool)(nil)

// New validates the relay URLs and returns an unconnected pool.
func New(urls []string, logger *slog.Logger) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no relay URLs given", wire.ErrInvalidRelayURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", wire.ErrInvalidRelayURL, raw)
		}
	}
	return &Pool{
		urls:   urls,
		logger: logger,
		relays: make(map[string]*nostr.Relay),
	}, nil
}

// Connect dials every relay with bounded retries. It succeeds if at least one
// relay is reachable; unreachable relays are logged and skipped.
func (p *Pool) Connect(ctx context.Context) error {
	var errs []error
	for _, u := range p.urls {
		var relay *nostr.Relay
		err := retry.Do(ctx, connectAttempts, connectBackoff, func() error {
			var dialErr error
			relay, dialErr = nostr.RelayConnect(ctx, u)
			return dialErr
		})
		if err != nil {
			p.logger.Warn("relay unreachable", "relay", u, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		p.mu.Lock()
		p.relays[u] = relay
		p.mu.Unlock()
		p.logger.Debug("relay connected", "relay", u)
	}

	p.mu.Lock()
	connected := len(p.relays)
	p.mu.Unlock()
	if connected == 0 {
		return fmt.Errorf("no relay reachable: %w", errors.Join(errs...))
	}
	return nil
}

func (p *Pool) connectedRelays() []*nostr.Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	relays := make([]*nostr.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	return relays
}

// Publish sends the event to every connected relay. It returns nil if any
// relay accepted it, and the joined errors when all rejected.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	relays := p.connectedRelays()
	if len(relays) == 0 {
		return fmt.Errorf("%w: not connected", wire.ErrPublishFailed)
	}

	var errs []error
	accepted := 0
	for _, relay := range relays {
		if err := relay.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", relay.URL, err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		metrics.PublishFailuresTotal.Inc()
		return fmt.Errorf("%w: %w", wire.ErrPublishFailed, errors.Join(errs...))
	}
	return nil
}

// Subscribe opens the filters on every connected relay and fans events into
// onEvent from a goroutine per relay. The returned function cancels all
// underlying subscriptions.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, onEvent wire.OnEvent) (func(), error) {
	relays := p.connectedRelays()
	if len(relays) == 0 {
		return nil, errors.New("not connected")
	}

	subCtx, cancel := context.WithCancel(ctx)
	var subs []*nostr.Subscription
	for _, relay := range relays {
		sub, err := relay.Subscribe(subCtx, filters)
		if err != nil {
			p.logger.Warn("subscribe failed", "relay", relay.URL, "error", err)
			continue
		}
		subs = append(subs, sub)
		go func(sub *nostr.Subscription) {
			for ev := range sub.Events {
				if ev == nil {
					return
				}
				onEvent(*ev)
			}
		}(sub)
	}
	if len(subs) == 0 {
		cancel()
		return nil, errors.New("subscribe failed on all relays")
	}

	return func() {
		for _, sub := range subs {
			sub.Unsub()
		}
		cancel()
	}, nil
}

// Disconnect closes every relay connection.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for u, relay := range p.relays {
		if err := relay.Close(); err != nil {
			p.logger.Debug("relay close", "relay", u, "error", err)
		}
		delete(p.relays, u)
	}
	return nil
}
