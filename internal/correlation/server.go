package correlation

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mbd888/nostrmcp/internal/cache"
)

// Route records where a response to an inbound request event must go and
// which request id the client expects to see in it.
type Route struct {
	ClientPubkey  string
	OriginalID    json.RawMessage
	ProgressToken string
}

// ServerStore pairs two bounded maps that move together: event id to route,
// and progress token back to event id for progress notification routing.
type ServerStore struct {
	mu      sync.Mutex
	routes  *cache.Bounded[Route]
	byToken map[string]string // progress token -> event id
}

// NewServerStore creates a route store bounded to capacity. When a route is
// evicted by overflow its progress-token mapping is cleaned up with it.
func NewServerStore(capacity int, logger *slog.Logger) *ServerStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ServerStore{byToken: make(map[string]string)}
	s.routes = cache.NewBounded(capacity, func(eventID string, r Route) {
		logger.Debug("event route evicted", "event_id", eventID)
		if r.ProgressToken != "" {
			s.mu.Lock()
			if s.byToken[r.ProgressToken] == eventID {
				delete(s.byToken, r.ProgressToken)
			}
			s.mu.Unlock()
		}
	}, logger)
	return s
}

// AddRoute registers the route for a request event id, indexing its progress
// token when present.
func (s *ServerStore) AddRoute(eventID string, r Route) {
	s.routes.Set(eventID, r)
	if r.ProgressToken != "" {
		s.mu.Lock()
		s.byToken[r.ProgressToken] = eventID
		s.mu.Unlock()
	}
}

// Route returns the route for an event id without removing it.
func (s *ServerStore) Route(eventID string) (Route, bool) {
	return s.routes.Peek(eventID)
}

// Remove drops the route and its progress-token mapping.
func (s *ServerStore) Remove(eventID string) {
	r, ok := s.routes.Peek(eventID)
	if !ok {
		return
	}
	s.routes.Delete(eventID)
	if r.ProgressToken != "" {
		s.mu.Lock()
		if s.byToken[r.ProgressToken] == eventID {
			delete(s.byToken, r.ProgressToken)
		}
		s.mu.Unlock()
	}
}

// EventIDForToken resolves a progress token to the request event id it
// belongs to.
func (s *ServerStore) EventIDForToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eventID, ok := s.byToken[token]
	return eventID, ok
}

// RemoveForClient drops every route belonging to pubkey. The scan is O(n)
// over the fixed bound, which keeps the store free of per-client indexes.
func (s *ServerStore) RemoveForClient(pubkey string) int {
	removed := 0
	for _, e := range s.routes.Entries() {
		if e.Value.ClientPubkey == pubkey {
			s.Remove(e.Key)
			removed++
		}
	}
	return removed
}

// Clear drops all routes and token mappings.
func (s *ServerStore) Clear() {
	s.routes.Clear()
	s.mu.Lock()
	s.byToken = make(map[string]string)
	s.mu.Unlock()
}

// Len returns the number of live routes.
func (s *ServerStore) Len() int {
	return s.routes.Len()
}
