package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nbd-wtf/go-nostr"

	"github.com/mbd888/nostrmcp/internal/cache"
	"github.com/mbd888/nostrmcp/internal/correlation"
	"github.com/mbd888/nostrmcp/internal/metrics"
	"github.com/mbd888/nostrmcp/internal/wire"
)

const (
	defaultPendingCapacity = 256
	defaultSeenCapacity    = 2048
)

// ErrTransportClosed is returned for operations on a closed transport and
// delivered to requests still in flight when Close is called.
var ErrTransportClosed = errors.New("transport closed")

// ClientTransport implements the mcp-go client transport contract over Nostr
// relays. Each outbound JSON-RPC value is one signed event addressed to the
// server; responses are correlated back through the request event id carried
// in the response's e tag. The original request id never travels beyond the
// event content, so concurrent clients with colliding ids cannot cross wires.
type ClientTransport struct {
	signer       wire.Signer
	relay        wire.RelayHandler
	serverPubkey string
	mode         EncryptionMode
	wrapKind     int
	stateless    bool
	extraTags    nostr.Tags
	logger       *slog.Logger

	pending *correlation.ClientStore
	seen    *cache.Bounded[struct{}]

	// serverWraps tracks the server's support_encryption announcement tag.
	// It starts true so optional mode never downgrades to plaintext without
	// an explicit server indication.
	serverWraps atomic.Bool

	notifyMu            sync.RWMutex
	notificationHandler func(mcp.JSONRPCNotification)
	requestMu           sync.RWMutex
	requestHandler      transport.RequestHandler

	protocolVersion atomic.Value

	started     atomic.Bool
	closed      atomic.Bool
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

var _ transport.Interface = (*ClientTransport)(nil)

// ClientOption configures a ClientTransport.
type ClientOption func(*ClientTransport)

// WithClientEncryption sets the encryption mode. Optional and required both
// wrap outbound events; disabled sends plaintext.
func WithClientEncryption(mode EncryptionMode) ClientOption {
	return func(t *ClientTransport) { t.mode = mode }
}

// WithEphemeralWraps switches outbound gift wraps to the ephemeral kind so
// relays deliver but never store them.
func WithEphemeralWraps() ClientOption {
	return func(t *ClientTransport) { t.wrapKind = wire.KindEphemeralGiftWrap }
}

// WithStateless makes initialize resolve locally with a canned result and
// swallows notifications/initialized, for one-shot calls against servers
// that keep no handshake state.
func WithStateless() ClientOption {
	return func(t *ClientTransport) { t.stateless = true }
}

// WithRequestTags attaches extra tags to every outbound event, such as the
// pmi tags advertising which payment methods this client can settle.
func WithRequestTags(tags nostr.Tags) ClientOption {
	return func(t *ClientTransport) { t.extraTags = tags }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(t *ClientTransport) { t.logger = logger }
}

// WithPendingCapacity bounds the in-flight request store.
func WithPendingCapacity(n int) ClientOption {
	return func(t *ClientTransport) {
		t.pending = correlation.NewClientStore(n, t.logger)
	}
}

// NewClient creates a client transport talking to serverPubkey over relay,
// signing with signer. Call Start before sending.
func NewClient(serverPubkey string, relay wire.RelayHandler, signer wire.Signer, opts ...ClientOption) *ClientTransport {
	t := &ClientTransport{
		signer:       signer,
		relay:        relay,
		serverPubkey: serverPubkey,
		mode:         EncryptionOptional,
		wrapKind:     wire.KindGiftWrap,
		logger:       slog.Default(),
	}
	t.protocolVersion.Store("")
	t.serverWraps.Store(true)
	for _, opt := range opts {
		opt(t)
	}
	if t.pending == nil {
		t.pending = correlation.NewClientStore(defaultPendingCapacity, t.logger)
	}
	t.seen = cache.NewBounded[struct{}](defaultSeenCapacity, nil, t.logger)
	return t
}

// Start connects to the relays and subscribes to events addressed to this
// client's pubkey.
func (t *ClientTransport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := t.relay.Connect(ctx); err != nil {
		return fmt.Errorf("connect relays: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	filters := nostr.Filters{{
		Kinds: []int{wire.KindAppMessage, wire.KindGiftWrap, wire.KindEphemeralGiftWrap},
		Tags:  nostr.TagMap{wire.TagRecipient: []string{t.signer.PublicKey()}},
	}, {
		Kinds:   []int{wire.KindServerInfo},
		Authors: []string{t.serverPubkey},
	}}
	unsub, err := t.relay.Subscribe(subCtx, filters, func(ev nostr.Event) {
		t.processEvent(subCtx, ev)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	t.unsubscribe = unsub
	t.logger.Info("client transport started",
		"pubkey", t.signer.PublicKey(),
		"server", t.serverPubkey,
		"encryption", t.mode.String())
	return nil
}

// SendRequest publishes the request as a signed event and blocks until the
// matching response arrives or ctx ends. In stateless mode initialize never
// leaves the process.
func (t *ClientTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	if t.stateless && request.Method == string(mcp.MethodInitialize) {
		return &transport.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      request.ID,
			Result:  statelessInitializeResult(),
		}, nil
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	msg, err := wire.ParseMessage(body)
	if err != nil {
		return nil, err
	}
	// The server re-stamps this from the authenticated event author; carrying
	// it here keeps the payload self-describing for relays and middlewares.
	if err := msg.SetMetaField(wire.MetaClientPubkey, t.signer.PublicKey()); err != nil {
		return nil, fmt.Errorf("annotate request: %w", err)
	}
	body, err = msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	inner, err := t.buildEvent(ctx, body)
	if err != nil {
		return nil, err
	}

	pending := correlation.NewPending(msg.ID, request.Method == string(mcp.MethodInitialize), msg.ProgressToken())
	t.pending.Add(inner.ID, pending)

	if err := t.publish(ctx, inner); err != nil {
		t.pending.Remove(inner.ID)
		return nil, err
	}

	resp, err := pending.Await(ctx)
	if err != nil {
		t.pending.Remove(inner.ID)
		return nil, err
	}
	return toJSONRPCResponse(request.ID, resp)
}

// SendNotification publishes the notification as a signed event. It does not
// wait for relay acknowledgement beyond publish. In stateless mode
// notifications/initialized is dropped.
func (t *ClientTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.stateless && notification.Method == "notifications/initialized" {
		return nil
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ev, err := t.buildEvent(ctx, body)
	if err != nil {
		return err
	}
	return t.publish(ctx, ev)
}

// buildEvent signs body as an app event addressed to the server.
func (t *ClientTransport) buildEvent(ctx context.Context, body []byte) (nostr.Event, error) {
	tags := nostr.Tags{{wire.TagRecipient, t.serverPubkey}}
	tags = append(tags, t.extraTags...)
	ev := nostr.Event{
		Kind:      wire.KindAppMessage,
		CreatedAt: nostr.Now(),
		Content:   string(body),
		Tags:      tags,
	}
	if err := t.signer.SignEvent(ctx, &ev); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

// publish sends the signed event. Required mode always gift-wraps; optional
// wraps until the server's announcement says encryption is unsupported.
func (t *ClientTransport) publish(ctx context.Context, inner nostr.Event) error {
	out := inner
	if t.mode == EncryptionRequired || (t.mode == EncryptionOptional && t.serverWraps.Load()) {
		wrapped, err := wire.Wrap(inner, t.serverPubkey, t.wrapKind)
		if err != nil {
			return err
		}
		out = wrapped
	}
	if err := t.relay.Publish(ctx, out); err != nil {
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues("client").Inc()
	return nil
}

func (t *ClientTransport) processEvent(ctx context.Context, ev nostr.Event) {
	if t.markSeen(ev.ID) {
		return
	}
	metrics.EventsReceivedTotal.WithLabelValues("client", kindClass(ev.Kind)).Inc()

	if ev.Kind == wire.KindServerInfo {
		t.recordServerInfo(ev)
		return
	}
	if wire.IsWrapKind(ev.Kind) {
		inner, err := wire.Unwrap(ctx, t.signer, ev)
		if err != nil {
			metrics.DecryptFailuresTotal.WithLabelValues("client").Inc()
			t.logger.Debug("unwrap failed", "event", ev.ID, "error", err)
			return
		}
		// A wrap replayed under a different ephemeral key still carries the
		// same inner event; deduplicate on the inner id too.
		if t.markSeen(inner.ID) {
			return
		}
		ev = inner
	}
	if ev.Kind != wire.KindAppMessage {
		return
	}
	if ev.PubKey != t.serverPubkey {
		t.logger.Debug("dropping event from unexpected author", "author", ev.PubKey)
		return
	}
	if ok, _ := ev.CheckSignature(); !ok {
		t.logger.Warn("dropping event with bad signature", "event", ev.ID)
		return
	}

	msg, err := wire.ParseMessage([]byte(ev.Content))
	if err != nil {
		metrics.InvalidMessagesTotal.WithLabelValues("client").Inc()
		t.logger.Debug("invalid payload", "event", ev.ID, "error", err)
		return
	}

	switch {
	case msg.IsResponse():
		requestEventID := wire.FirstTagValue(ev, wire.TagEvent)
		if requestEventID == "" {
			t.logger.Debug("response without e tag", "event", ev.ID)
			return
		}
		if !t.pending.ResolveResponse(requestEventID, msg) {
			t.logger.Debug("response for unknown request", "request_event", requestEventID)
		}
	case msg.IsNotification():
		// Progress must belong to a request still awaiting its response; the
		// pending entry is looked up but never removed, so the final response
		// still correlates.
		if token := msg.ProgressToken(); token != "" {
			if _, ok := t.pending.PendingByToken(token); !ok {
				t.logger.Debug("progress for unknown request", "token", token)
				return
			}
		}
		t.dispatchNotification(ev.Content)
	case msg.IsRequest():
		t.handleServerRequest(ctx, ev)
	}
}

// recordServerInfo reads the encryption support tags off the server's info
// announcement, downgrading optional-mode sends to plaintext when the server
// does not advertise support.
func (t *ClientTransport) recordServerInfo(ev nostr.Event) {
	if ev.PubKey != t.serverPubkey {
		return
	}
	if ok, _ := ev.CheckSignature(); !ok {
		t.logger.Warn("dropping announcement with bad signature", "event", ev.ID)
		return
	}
	supports := wire.FirstTagValue(ev, wire.TagSupportEncryption) == "true"
	if t.serverWraps.Swap(supports) != supports {
		t.logger.Info("server encryption support changed", "supported", supports)
	}
}

// ServerSupportsEncryption reports the server's last announced encryption
// support. Before any announcement is seen it is assumed supported.
func (t *ClientTransport) ServerSupportsEncryption() bool {
	return t.serverWraps.Load()
}

// markSeen records id in the duplicate cache, reporting whether it was
// already present.
func (t *ClientTransport) markSeen(id string) bool {
	if !t.seen.SetIfAbsent(id, struct{}{}) {
		metrics.DuplicatesSuppressedTotal.WithLabelValues("client").Inc()
		return true
	}
	return false
}

func (t *ClientTransport) dispatchNotification(payload string) {
	var notification mcp.JSONRPCNotification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		t.logger.Debug("undecodable notification", "error", err)
		return
	}
	t.notifyMu.RLock()
	handler := t.notificationHandler
	t.notifyMu.RUnlock()
	if handler != nil {
		handler(notification)
	}
}

// handleServerRequest serves a server-initiated request (sampling, roots) and
// publishes the response correlated to the request event.
func (t *ClientTransport) handleServerRequest(ctx context.Context, ev nostr.Event) {
	var request transport.JSONRPCRequest
	if err := json.Unmarshal([]byte(ev.Content), &request); err != nil {
		t.logger.Debug("undecodable server request", "event", ev.ID, "error", err)
		return
	}

	t.requestMu.RLock()
	handler := t.requestHandler
	t.requestMu.RUnlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		var response *transport.JSONRPCResponse
		if handler == nil {
			response = &transport.JSONRPCResponse{
				JSONRPC: mcp.JSONRPC_VERSION,
				ID:      request.ID,
				Error: &mcp.JSONRPCErrorDetails{
					Code:    mcp.METHOD_NOT_FOUND,
					Message: fmt.Sprintf("no handler configured for method: %s", request.Method),
				},
			}
		} else {
			resp, err := handler(ctx, request)
			if err != nil {
				resp = &transport.JSONRPCResponse{
					JSONRPC: mcp.JSONRPC_VERSION,
					ID:      request.ID,
					Error: &mcp.JSONRPCErrorDetails{
						Code:    mcp.INTERNAL_ERROR,
						Message: err.Error(),
					},
				}
			}
			response = resp
		}
		if response == nil {
			return
		}

		body, err := json.Marshal(response)
		if err != nil {
			return
		}
		respEv := nostr.Event{
			Kind:      wire.KindAppMessage,
			CreatedAt: nostr.Now(),
			Content:   string(body),
			Tags: nostr.Tags{
				{wire.TagRecipient, t.serverPubkey},
				{wire.TagEvent, ev.ID},
			},
		}
		if err := t.signer.SignEvent(ctx, &respEv); err != nil {
			t.logger.Warn("sign server-request response", "error", err)
			return
		}
		if err := t.publish(ctx, respEv); err != nil {
			t.logger.Warn("publish server-request response", "error", err)
		}
	}()
}

// SetNotificationHandler implements transport.Interface.
func (t *ClientTransport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.notificationHandler = handler
}

// SetRequestHandler implements transport.Interface.
func (t *ClientTransport) SetRequestHandler(handler transport.RequestHandler) {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	t.requestHandler = handler
}

// GetSessionId returns this client's pubkey; it is the session identity the
// server keys state by.
func (t *ClientTransport) GetSessionId() string {
	return t.signer.PublicKey()
}

// SetProtocolVersion implements transport.Interface.
func (t *ClientTransport) SetProtocolVersion(version string) {
	t.protocolVersion.Store(version)
}

// Close unsubscribes, fails all in-flight requests, and disconnects.
func (t *ClientTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.pending.FailAll(ErrTransportClosed)
	t.wg.Wait()
	return t.relay.Disconnect()
}

func kindClass(kind int) string {
	switch kind {
	case wire.KindAppMessage:
		return "app"
	case wire.KindGiftWrap, wire.KindEphemeralGiftWrap:
		return "wrap"
	default:
		return "other"
	}
}

// toJSONRPCResponse converts a raw response message back to the typed form,
// restoring the caller's original request id.
func toJSONRPCResponse(id mcp.RequestId, msg *wire.Message) (*transport.JSONRPCResponse, error) {
	resp := &transport.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Result:  msg.Result,
	}
	if len(msg.Error) > 0 {
		var details mcp.JSONRPCErrorDetails
		if err := json.Unmarshal(msg.Error, &details); err != nil {
			return nil, fmt.Errorf("decode error details: %w", err)
		}
		resp.Error = &details
	}
	return resp, nil
}
