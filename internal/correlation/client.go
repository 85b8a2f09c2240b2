// Package correlation maps published event ids to the request state needed to
// route responses back: pending requests on the client side, event routes on
// the server side. Both sides are bounded; overflow evicts the oldest entry.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/mbd888/nostrmcp/internal/cache"
	"github.com/mbd888/nostrmcp/internal/wire"
)

// ErrPendingEvicted is delivered to a caller whose pending request was pushed
// out of the bounded store before its response arrived.
var ErrPendingEvicted = errors.New("pending request evicted before a response arrived")

// Pending tracks one in-flight client request, keyed by the event id it was
// published under. The event id is the over-the-wire request id; the original
// id is restored before the caller ever sees the response.
type Pending struct {
	OriginalID    json.RawMessage
	IsInitialize  bool
	ProgressToken string

	once sync.Once
	done chan pendingOutcome
}

type pendingOutcome struct {
	msg *wire.Message
	err error
}

// NewPending creates an unresolved pending request.
func NewPending(originalID json.RawMessage, isInitialize bool, progressToken string) *Pending {
	return &Pending{
		OriginalID:    originalID,
		IsInitialize:  isInitialize,
		ProgressToken: progressToken,
		done:          make(chan pendingOutcome, 1),
	}
}

func (p *Pending) resolve(msg *wire.Message) {
	p.once.Do(func() { p.done <- pendingOutcome{msg: msg} })
}

// Fail completes the pending request with an error. Later resolutions are
// ignored; the caller observes exactly one outcome.
func (p *Pending) Fail(err error) {
	p.once.Do(func() { p.done <- pendingOutcome{err: err} })
}

// Await blocks until the request resolves, fails, or ctx ends.
func (p *Pending) Await(ctx context.Context) (*wire.Message, error) {
	select {
	case out := <-p.done:
		return out.msg, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClientStore holds pending requests keyed by published event id.
type ClientStore struct {
	pending *cache.Bounded[*Pending]
}

// NewClientStore creates a store with the given capacity. An entry evicted by
// overflow fails its awaiting caller with ErrPendingEvicted.
func NewClientStore(capacity int, logger *slog.Logger) *ClientStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientStore{
		pending: cache.NewBounded(capacity, func(eventID string, p *Pending) {
			logger.Warn("pending request evicted", "event_id", eventID)
			p.Fail(ErrPendingEvicted)
		}, logger),
	}
}

// Add registers a pending request under its published event id.
func (s *ClientStore) Add(eventID string, p *Pending) {
	s.pending.Set(eventID, p)
}

// ResolveResponse looks up the pending request for eventID, rewrites the
// response id back to the original, removes the entry, and completes the
// awaiting caller. It reports whether a match was found.
func (s *ClientStore) ResolveResponse(eventID string, msg *wire.Message) bool {
	p, ok := s.pending.Get(eventID)
	if !ok {
		return false
	}
	msg.ID = p.OriginalID
	s.pending.Delete(eventID)
	p.resolve(msg)
	return true
}

// PendingByToken returns the pending request carrying the given progress
// token, without removing it. Lookup is a scan over the bounded store.
func (s *ClientStore) PendingByToken(token string) (*Pending, bool) {
	if token == "" {
		return nil, false
	}
	for _, e := range s.pending.Entries() {
		if e.Value.ProgressToken == token {
			return e.Value, true
		}
	}
	return nil, false
}

// Remove drops a pending request without completing it.
func (s *ClientStore) Remove(eventID string) {
	s.pending.Delete(eventID)
}

// FailAll completes every pending request with err and clears the store.
// Called on transport shutdown.
func (s *ClientStore) FailAll(err error) {
	for _, e := range s.pending.Entries() {
		e.Value.Fail(err)
	}
	s.pending.Clear()
}

// Len returns the number of in-flight requests.
func (s *ClientStore) Len() int {
	return s.pending.Len()
}
