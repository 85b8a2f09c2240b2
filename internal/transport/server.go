package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nbd-wtf/go-nostr"

	"github.com/mbd888/nostrmcp/internal/cache"
	"github.com/mbd888/nostrmcp/internal/correlation"
	"github.com/mbd888/nostrmcp/internal/metrics"
	"github.com/mbd888/nostrmcp/internal/session"
	"github.com/mbd888/nostrmcp/internal/syncutil"
	"github.com/mbd888/nostrmcp/internal/wire"
	"github.com/mbd888/nostrmcp/internal/workqueue"
)

const (
	defaultMaxSessions   = 128
	defaultRouteCapacity = 1024
)

// ErrNoRoute is returned when an outbound message cannot be matched to a
// request route, typically because the route was evicted or already answered.
var ErrNoRoute = errors.New("no route for message")

// RequestError carries a JSON-RPC error code out of a middleware, so the
// chain can reject a request with a specific code instead of a bare internal
// error.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// ServerTransport receives JSON-RPC events addressed to the server key,
// funnels them through a middleware chain into per-client sessions, and
// publishes session output back to each request's author. Responses reuse the
// request event id as correlation key: it rides in the outbound e tag while
// the client's original request id is restored into the payload.
type ServerTransport struct {
	signer wire.Signer
	relay  wire.RelayHandler
	mode   EncryptionMode
	logger *slog.Logger

	maxSessions   int
	routeCapacity int
	factory       session.Factory

	sessions  *session.Store
	routes    *correlation.ServerStore
	seen      *cache.Bounded[struct{}]
	published *cache.Bounded[struct{}]
	pubLocks  syncutil.KeyedMutex
	queue     *workqueue.Queue

	middleware []Middleware
	handler    HandlerFunc

	announceSource AnnouncementSource
	announceTags   map[int]nostr.Tags

	started     atomic.Bool
	closed      atomic.Bool
	unsubscribe func()
	cancel      context.CancelFunc
}

// ServerOption configures a ServerTransport.
type ServerOption func(*ServerTransport)

// WithServerEncryption sets the encryption mode. Required drops plaintext
// events; disabled ignores gift wraps; optional accepts both and answers each
// client in the form its last event used.
func WithServerEncryption(mode EncryptionMode) ServerOption {
	return func(t *ServerTransport) { t.mode = mode }
}

// WithMaxSessions bounds the per-client session store.
func WithMaxSessions(n int) ServerOption {
	return func(t *ServerTransport) { t.maxSessions = n }
}

// WithRouteCapacity bounds the request route store.
func WithRouteCapacity(n int) ServerOption {
	return func(t *ServerTransport) { t.routeCapacity = n }
}

// WithMiddleware appends request middleware, outermost first.
func WithMiddleware(mws ...Middleware) ServerOption {
	return func(t *ServerTransport) { t.middleware = append(t.middleware, mws...) }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(t *ServerTransport) { t.logger = logger }
}

// NewServer creates a server transport listening on the signer's pubkey.
// A session factory must be installed before Start.
func NewServer(relay wire.RelayHandler, signer wire.Signer, opts ...ServerOption) *ServerTransport {
	t := &ServerTransport{
		signer:        signer,
		relay:         relay,
		mode:          EncryptionOptional,
		logger:        slog.Default(),
		maxSessions:   defaultMaxSessions,
		routeCapacity: defaultRouteCapacity,
		announceTags:  make(map[int]nostr.Tags),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.seen = cache.NewBounded[struct{}](defaultSeenCapacity, nil, t.logger)
	t.published = cache.NewBounded[struct{}](defaultSeenCapacity, nil, t.logger)
	t.queue = workqueue.New(workqueue.DefaultLimit, t.logger)
	return t
}

// SetSessionFactory installs the constructor for per-client application
// sessions. It must be called before Start.
func (t *ServerTransport) SetSessionFactory(f session.Factory) {
	t.factory = f
}

// PublicKey returns the pubkey clients address their events to.
func (t *ServerTransport) PublicKey() string {
	return t.signer.PublicKey()
}

// Start connects the relays, subscribes to events addressed to the server
// key, and publishes announcements when a source is configured.
func (t *ServerTransport) Start(ctx context.Context) error {
	if t.factory == nil {
		return errors.New("no session factory installed")
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}
	t.sessions = session.NewStore(t.maxSessions, t.factory, t.logger)
	t.routes = correlation.NewServerStore(t.routeCapacity, t.logger)
	// An evicted client's unanswered routes die with the session.
	t.sessions.OnEvict(func(pubkey string) { t.routes.RemoveForClient(pubkey) })
	t.handler = chainMiddleware(t.forwardToSession, t.middleware)

	if err := t.relay.Connect(ctx); err != nil {
		return fmt.Errorf("connect relays: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	filters := nostr.Filters{{
		Kinds: []int{wire.KindAppMessage, wire.KindGiftWrap, wire.KindEphemeralGiftWrap},
		Tags:  nostr.TagMap{wire.TagRecipient: []string{t.signer.PublicKey()}},
	}}
	unsub, err := t.relay.Subscribe(subCtx, filters, func(ev nostr.Event) {
		if t.markSeen(ev.ID) {
			return
		}
		metrics.EventsReceivedTotal.WithLabelValues("server", kindClass(ev.Kind)).Inc()
		// Enqueued in receive order, handled concurrently. Correlation is
		// keyed by event id, never by arrival order, and a blocked handler
		// (payment verification) must not stall other events.
		t.queue.Go("event", func() error {
			t.processEvent(subCtx, ev)
			return nil
		})
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	t.unsubscribe = unsub

	if t.announceSource != nil {
		t.queue.Go("announce", func() error {
			return t.PublishAnnouncements(subCtx)
		})
	}

	t.logger.Info("server transport started",
		"pubkey", t.signer.PublicKey(),
		"encryption", t.mode.String(),
		"max_sessions", t.maxSessions)
	return nil
}

func (t *ServerTransport) markSeen(id string) bool {
	if !t.seen.SetIfAbsent(id, struct{}{}) {
		metrics.DuplicatesSuppressedTotal.WithLabelValues("server").Inc()
		return true
	}
	return false
}

func (t *ServerTransport) processEvent(ctx context.Context, ev nostr.Event) {
	wrapped := false
	wrapKind := 0
	if wire.IsWrapKind(ev.Kind) {
		if t.mode == EncryptionDisabled {
			t.logger.Debug("dropping wrap, encryption disabled", "event", ev.ID)
			return
		}
		inner, err := wire.Unwrap(ctx, t.signer, ev)
		if err != nil {
			metrics.DecryptFailuresTotal.WithLabelValues("server").Inc()
			t.logger.Debug("unwrap failed", "event", ev.ID, "error", err)
			return
		}
		// Replays of the same inner event under fresh ephemeral wraps are
		// distinct on the outer id; deduplicate the inner id as well.
		if t.markSeen(inner.ID) {
			return
		}
		wrapped, wrapKind = true, ev.Kind
		ev = inner
	} else if t.mode == EncryptionRequired {
		t.logger.Debug("dropping plaintext, encryption required", "event", ev.ID)
		return
	}
	if ev.Kind != wire.KindAppMessage {
		return
	}
	if ok, _ := ev.CheckSignature(); !ok {
		t.logger.Warn("dropping event with bad signature", "event", ev.ID)
		return
	}

	msg, err := wire.ParseMessage([]byte(ev.Content))
	if err != nil {
		metrics.InvalidMessagesTotal.WithLabelValues("server").Inc()
		t.logger.Debug("invalid payload", "event", ev.ID, "error", err)
		return
	}

	clientPubkey := ev.PubKey
	sess, err := t.sessions.GetOrCreate(ctx, clientPubkey, !wrapped)
	if err != nil {
		t.logger.Error("create session", "client", clientPubkey, "error", err)
		return
	}
	sess.Encrypted.Store(wrapped)
	if wrapped {
		sess.WrapKind.Store(int32(wrapKind))
	}

	switch {
	case msg.IsRequest():
		t.processRequest(ctx, ev, msg, sess)
	case msg.IsNotification():
		t.forwardRaw(ctx, sess, msg)
	case msg.IsResponse():
		// Response to a server-initiated request; the application layer owns
		// matching it.
		t.forwardRaw(ctx, sess, msg)
	}
}

func (t *ServerTransport) processRequest(ctx context.Context, ev nostr.Event, msg *wire.Message, sess *session.Session) {
	route := correlation.Route{
		ClientPubkey:  sess.ClientPubkey,
		OriginalID:    msg.ID,
		ProgressToken: msg.ProgressToken(),
	}
	t.routes.AddRoute(ev.ID, route)

	// From here on the event id is the request id; the original id lives
	// only in the route and is restored on the way out.
	msg.SetIDString(ev.ID)
	if err := msg.SetMetaField(wire.MetaClientPubkey, sess.ClientPubkey); err != nil {
		t.logger.Warn("annotate request", "event", ev.ID, "error", err)
	}

	mc := &MiddlewareContext{
		ClientPubkey: sess.ClientPubkey,
		EventID:      ev.ID,
		OriginalID:   wire.IDKeyOf(route.OriginalID),
		Message:      msg,
		ClientPMIs:   wire.TagValues(ev, wire.TagPMI),
		Notify: func(ctx context.Context, method string, params any) error {
			return t.notifyClient(ctx, sess.ClientPubkey, ev.ID, method, params)
		},
	}
	if err := t.handler(ctx, mc); err != nil {
		t.sendErrorResponse(ctx, ev.ID, route, err)
	}
}

// forwardToSession is the terminal middleware handler.
func (t *ServerTransport) forwardToSession(ctx context.Context, mc *MiddlewareContext) error {
	sess, ok := t.sessions.Get(mc.ClientPubkey)
	if !ok {
		return fmt.Errorf("session for %s gone", mc.ClientPubkey)
	}
	return t.forwardRawErr(ctx, sess, mc.Message)
}

func (t *ServerTransport) forwardRaw(ctx context.Context, sess *session.Session, msg *wire.Message) {
	if err := t.forwardRawErr(ctx, sess, msg); err != nil {
		t.logger.Warn("forward to session", "client", sess.ClientPubkey, "error", err)
	}
}

func (t *ServerTransport) forwardRawErr(ctx context.Context, sess *session.Session, msg *wire.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	sess.App.HandleMessage(ctx, raw)
	return nil
}

// Send publishes an application-layer message to its client. Responses are
// routed by the request event id they carry as their id; the route supplies
// the destination and the client's original request id. Progress
// notifications are routed by their progress token. A response for a given
// request event is published at most once, duplicates are dropped here.
func (t *ServerTransport) Send(ctx context.Context, raw json.RawMessage) error {
	msg, err := wire.ParseMessage(raw)
	if err != nil {
		return err
	}

	switch {
	case msg.IsResponse():
		return t.sendResponse(ctx, msg)
	case msg.IsNotification():
		return t.sendNotification(ctx, msg)
	default:
		return fmt.Errorf("cannot route message with method %q and id %q", msg.Method, string(msg.ID))
	}
}

func (t *ServerTransport) sendResponse(ctx context.Context, msg *wire.Message) error {
	eventID := msg.IDKey()
	if eventID == "" {
		return ErrNoRoute
	}

	unlock := t.pubLocks.Lock(eventID)
	defer unlock()

	if t.published.Has(eventID) {
		t.logger.Debug("response already published", "request_event", eventID)
		return nil
	}
	route, ok := t.routes.Route(eventID)
	if !ok {
		return fmt.Errorf("%w: request event %s", ErrNoRoute, eventID)
	}

	msg.ID = route.OriginalID
	if err := t.publishToClient(ctx, route.ClientPubkey, eventID, msg); err != nil {
		return err
	}
	t.published.Set(eventID, struct{}{})
	t.routes.Remove(eventID)
	return nil
}

func (t *ServerTransport) sendNotification(ctx context.Context, msg *wire.Message) error {
	if token := msg.ProgressToken(); token != "" {
		eventID, ok := t.routes.EventIDForToken(token)
		if !ok {
			return fmt.Errorf("%w: progress token %q", ErrNoRoute, token)
		}
		route, ok := t.routes.Route(eventID)
		if !ok {
			return fmt.Errorf("%w: request event %s", ErrNoRoute, eventID)
		}
		// The route stays live; the response is still to come.
		return t.publishToClient(ctx, route.ClientPubkey, eventID, msg)
	}

	meta := msg.Meta()
	if pubkey, _ := meta[wire.MetaClientPubkey].(string); pubkey != "" {
		return t.publishToClient(ctx, pubkey, "", msg)
	}
	return fmt.Errorf("%w: notification %q has no destination", ErrNoRoute, msg.Method)
}

// notifyClient publishes a server notification to one client, correlated to
// the request event that provoked it.
func (t *ServerTransport) notifyClient(ctx context.Context, clientPubkey, requestEventID, method string, params any) error {
	body := map[string]any{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg, err := wire.ParseMessage(raw)
	if err != nil {
		return err
	}
	return t.publishToClient(ctx, clientPubkey, requestEventID, msg)
}

func (t *ServerTransport) sendErrorResponse(ctx context.Context, eventID string, route correlation.Route, cause error) {
	code := int(mcp.INTERNAL_ERROR)
	message := cause.Error()
	var reqErr *RequestError
	if errors.As(cause, &reqErr) {
		code, message = reqErr.Code, reqErr.Message
	}

	errBody, err := json.Marshal(map[string]any{"code": code, "message": message})
	if err != nil {
		return
	}
	msg := &wire.Message{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      route.OriginalID,
		Error:   errBody,
	}

	unlock := t.pubLocks.Lock(eventID)
	defer unlock()
	if t.published.Has(eventID) {
		return
	}
	if err := t.publishToClient(ctx, route.ClientPubkey, eventID, msg); err != nil {
		t.logger.Warn("publish error response", "request_event", eventID, "error", err)
		return
	}
	t.published.Set(eventID, struct{}{})
	t.routes.Remove(eventID)
}

// publishToClient signs msg as an app event addressed to clientPubkey,
// e-tagged with requestEventID when given, wrapped when the client's session
// calls for it.
func (t *ServerTransport) publishToClient(ctx context.Context, clientPubkey, requestEventID string, msg *wire.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tags := nostr.Tags{{wire.TagRecipient, clientPubkey}}
	if requestEventID != "" {
		tags = append(tags, nostr.Tag{wire.TagEvent, requestEventID})
	}
	ev := nostr.Event{
		Kind:      wire.KindAppMessage,
		CreatedAt: nostr.Now(),
		Content:   string(raw),
		Tags:      tags,
	}
	if err := t.signer.SignEvent(ctx, &ev); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}

	out := ev
	if t.encryptFor(clientPubkey) {
		wrapped, err := wire.Wrap(ev, clientPubkey, t.wrapKindFor(clientPubkey))
		if err != nil {
			return err
		}
		out = wrapped
	}
	if err := t.relay.Publish(ctx, out); err != nil {
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues("server").Inc()
	return nil
}

// encryptFor decides the outbound form for one client: required always
// wraps, optional mirrors the client's last inbound event.
func (t *ServerTransport) encryptFor(clientPubkey string) bool {
	switch t.mode {
	case EncryptionDisabled:
		return false
	case EncryptionRequired:
		return true
	default:
		sess, ok := t.sessions.Get(clientPubkey)
		return ok && sess.Encrypted.Load()
	}
}

func (t *ServerTransport) wrapKindFor(clientPubkey string) int {
	if sess, ok := t.sessions.Get(clientPubkey); ok {
		if kind := int(sess.WrapKind.Load()); wire.IsWrapKind(kind) {
			return kind
		}
	}
	return wire.KindGiftWrap
}

// CloseSession tears down the session and routes of one client.
func (t *ServerTransport) CloseSession(clientPubkey string) {
	t.sessions.Close(clientPubkey)
	t.routes.RemoveForClient(clientPubkey)
}

// Stop unsubscribes, waits for in-flight work, and closes every session.
func (t *ServerTransport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.queue.Wait()
	if t.sessions != nil {
		t.sessions.CloseAll()
	}
	if t.routes != nil {
		t.routes.Clear()
	}
	return t.relay.Disconnect()
}
