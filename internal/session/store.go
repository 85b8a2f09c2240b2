// Package session tracks per-client server state. Each connecting client
// pubkey gets one session holding an application-side message sink; the store
// is bounded and evicts the least recently used session when full.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/nostrmcp/internal/cache"
	"github.com/mbd888/nostrmcp/internal/metrics"
)

// AppSession is the application side of a client session. HandleMessage
// receives decoded JSON-RPC payloads; Close releases whatever the factory
// allocated.
type AppSession interface {
	HandleMessage(ctx context.Context, raw json.RawMessage)
	Close() error
}

// Factory builds the application session for a newly seen client pubkey.
type Factory func(ctx context.Context, clientPubkey string) (AppSession, error)

// Session is the per-client state the transport keeps between events.
type Session struct {
	ClientPubkey   string
	IsPublicClient bool
	CreatedAt      time.Time

	// Encrypted and WrapKind mirror the wrap state of the client's most
	// recent event, so responses under optional encryption match what the
	// client chose.
	Encrypted atomic.Bool
	WrapKind  atomic.Int32

	App AppSession
}

// Store holds active sessions keyed by client pubkey.
type Store struct {
	mu       sync.Mutex
	sessions *cache.Bounded[*Session]
	factory  Factory
	logger   *slog.Logger
	onEvict  func(pubkey string)
}

// NewStore creates a bounded session store. When capacity overflows, the
// oldest session is closed and dropped to make room.
func NewStore(capacity int, factory Factory, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{factory: factory, logger: logger}
	s.sessions = cache.NewBounded(capacity, func(pubkey string, sess *Session) {
		logger.Info("session evicted", "client", pubkey)
		metrics.SessionsEvictedTotal.Inc()
		metrics.ActiveSessions.Dec()
		if s.onEvict != nil {
			s.onEvict(pubkey)
		}
		go s.closeApp(sess)
	}, logger)
	return s
}

// OnEvict installs a hook invoked with the pubkey of each session the store
// evicts on overflow, before the app session is closed. Must be set before
// the store sees traffic.
func (s *Store) OnEvict(fn func(pubkey string)) {
	s.onEvict = fn
}

func (s *Store) closeApp(sess *Session) {
	if sess.App == nil {
		return
	}
	if err := sess.App.Close(); err != nil {
		s.logger.Warn("session close", "client", sess.ClientPubkey, "error", err)
	}
}

// GetOrCreate returns the session for pubkey, creating it through the factory
// on first sight. isPublic records whether the client's first event arrived
// unwrapped, readable by relays. Creation is serialized so a burst of events
// from a new client produces exactly one session.
func (s *Store) GetOrCreate(ctx context.Context, pubkey string, isPublic bool) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions.Get(pubkey); ok {
		return sess, nil
	}

	app, err := s.factory(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ClientPubkey:   pubkey,
		IsPublicClient: isPublic,
		CreatedAt:      time.Now(),
		App:            app,
	}
	s.sessions.Set(pubkey, sess)
	metrics.ActiveSessions.Inc()
	s.logger.Info("session created", "client", pubkey)
	return sess, nil
}

// Get returns the session for pubkey without creating one.
func (s *Store) Get(pubkey string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Peek(pubkey)
}

// Close removes and closes the session for pubkey.
func (s *Store) Close(pubkey string) {
	s.mu.Lock()
	sess, ok := s.sessions.Peek(pubkey)
	if ok {
		s.sessions.Delete(pubkey)
		metrics.ActiveSessions.Dec()
	}
	s.mu.Unlock()
	if ok {
		s.closeApp(sess)
	}
}

// CloseAll removes and closes every session. Called on transport shutdown.
func (s *Store) CloseAll() {
	s.mu.Lock()
	entries := s.sessions.Entries()
	s.sessions.Clear()
	metrics.ActiveSessions.Sub(float64(len(entries)))
	s.mu.Unlock()
	for _, e := range entries {
		s.closeApp(e.Value)
	}
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Len()
}
