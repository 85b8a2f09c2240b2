// Package testutil provides an in-memory relay for transport tests: events
// published by one side are delivered, in order, to every matching
// subscription on the hub.
package testutil

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mbd888/nostrmcp/internal/wire"
)

const subscriberBuffer = 256

// Hub fans published events out to subscribers the way a relay would,
// including redelivery when the same event is published twice.
type Hub struct {
	mu        sync.Mutex
	subs      map[int]*hubSub
	nextSubID int
	published []nostr.Event
}

type hubSub struct {
	filters nostr.Filters
	ch      chan nostr.Event
	once    sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*hubSub)}
}

// Inject delivers an event to matching subscribers without recording it as a
// publish, mimicking a relay replaying history or a rogue peer.
func (h *Hub) Inject(ev nostr.Event) {
	h.dispatch(ev)
}

// Published returns every event accepted so far.
func (h *Hub) Published() []nostr.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]nostr.Event, len(h.published))
	copy(out, h.published)
	return out
}

// PublishedOfKind filters Published by kind.
func (h *Hub) PublishedOfKind(kind int) []nostr.Event {
	var out []nostr.Event
	for _, ev := range h.Published() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) publish(ev nostr.Event) {
	h.mu.Lock()
	h.published = append(h.published, ev)
	h.mu.Unlock()
	h.dispatch(ev)
}

func (h *Hub) dispatch(ev nostr.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !matches(sub.filters, ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default: // subscriber too slow, drop like a relay would
		}
	}
}

func matches(filters nostr.Filters, ev nostr.Event) bool {
	for i := range filters {
		if filters[i].Matches(&ev) {
			return true
		}
	}
	return false
}

func (h *Hub) subscribe(filters nostr.Filters, onEvent wire.OnEvent) func() {
	sub := &hubSub{
		filters: filters,
		ch:      make(chan nostr.Event, subscriberBuffer),
	}

	h.mu.Lock()
	// Stored events matching the filter are queued first, the way a relay
	// serves history before live delivery.
	for _, ev := range h.published {
		if matches(sub.filters, ev) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = sub
	h.mu.Unlock()

	// One pump goroutine per subscriber keeps delivery ordered.
	go func() {
		for ev := range sub.ch {
			onEvent(ev)
		}
	}()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Relay returns a handler bound to the hub, one per transport under test.
func (h *Hub) Relay() *FakeRelay {
	return &FakeRelay{hub: h}
}

// FakeRelay is one connection to the hub.
type FakeRelay struct {
	hub *Hub

	mu     sync.Mutex
	unsubs []func()
}

var _ wire.RelayHandler = (*FakeRelay)(nil)

func (r *FakeRelay) Connect(context.Context) error { return nil }

func (r *FakeRelay) Publish(_ context.Context, ev nostr.Event) error {
	r.hub.publish(ev)
	return nil
}

func (r *FakeRelay) Subscribe(_ context.Context, filters nostr.Filters, onEvent wire.OnEvent) (func(), error) {
	unsub := r.hub.subscribe(filters, onEvent)
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsub)
	r.mu.Unlock()
	return unsub, nil
}

func (r *FakeRelay) Disconnect() error {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	return nil
}
