package transport_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nostrmcp/internal/keys"
	"github.com/mbd888/nostrmcp/internal/session"
	"github.com/mbd888/nostrmcp/internal/testutil"
	"github.com/mbd888/nostrmcp/internal/transport"
	"github.com/mbd888/nostrmcp/internal/wire"
)

// echoApp answers every request with a result echoing the method and params,
// standing in for a full MCP server.
type echoApp struct {
	srv     *transport.ServerTransport
	handled *atomic.Int32
	closed  atomic.Bool
}

func (a *echoApp) HandleMessage(ctx context.Context, raw json.RawMessage) {
	msg, err := wire.ParseMessage(raw)
	if err != nil || !msg.IsRequest() {
		return
	}
	a.handled.Add(1)

	if token := msg.ProgressToken(); token != "" {
		progress, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/progress",
			"params":  map[string]any{"progressToken": token, "progress": 1, "total": 2},
		})
		_ = a.srv.Send(ctx, progress)
	}

	result, _ := json.Marshal(map[string]any{
		"method": msg.Method,
		"params": json.RawMessage(msg.Params),
	})
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(msg.ID),
		"result":  json.RawMessage(result),
	})
	_ = a.srv.Send(ctx, out)
}

func (a *echoApp) Close() error {
	a.closed.Store(true)
	return nil
}

type echoFixture struct {
	hub          *testutil.Hub
	server       *transport.ServerTransport
	serverSigner *keys.PrivateKeySigner
	handled      atomic.Int32

	mu   sync.Mutex
	apps map[string]*echoApp
}

func newEchoFixture(t *testing.T, opts ...transport.ServerOption) *echoFixture {
	t.Helper()
	f := &echoFixture{
		hub:          testutil.NewHub(),
		serverSigner: keys.Generate(),
		apps:         make(map[string]*echoApp),
	}
	f.server = transport.NewServer(f.hub.Relay(), f.serverSigner, opts...)
	f.server.SetSessionFactory(func(_ context.Context, clientPubkey string) (session.AppSession, error) {
		app := &echoApp{srv: f.server, handled: &f.handled}
		f.mu.Lock()
		f.apps[clientPubkey] = app
		f.mu.Unlock()
		return app, nil
	})
	require.NoError(t, f.server.Start(context.Background()))
	t.Cleanup(func() { _ = f.server.Stop() })
	return f
}

func (f *echoFixture) app(clientPubkey string) *echoApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apps[clientPubkey]
}

func (f *echoFixture) newClient(t *testing.T, opts ...transport.ClientOption) *transport.ClientTransport {
	t.Helper()
	cli := transport.NewClient(f.server.PublicKey(), f.hub.Relay(), keys.Generate(), opts...)
	require.NoError(t, cli.Start(context.Background()))
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func callEcho(t *testing.T, cli *transport.ClientTransport, id mcp.RequestId, marker string) *mcptransport.JSONRPCResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.SendRequest(ctx, mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Method:  "tools/call",
		Params:  map[string]any{"name": "echo", "arguments": map[string]any{"marker": marker}},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	return resp
}

func TestRoundTrip_Plaintext(t *testing.T) {
	f := newEchoFixture(t, transport.WithServerEncryption(transport.EncryptionDisabled))
	cli := f.newClient(t, transport.WithClientEncryption(transport.EncryptionDisabled))

	resp := callEcho(t, cli, mcp.NewRequestId(int64(42)), "hello")

	var result struct {
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "tools/call", result.Method)

	// On the wire: the client request went out under its event id, and the
	// response restored the original id and e-tagged the request event.
	var requestEv, responseEv nostr.Event
	for _, ev := range f.hub.PublishedOfKind(wire.KindAppMessage) {
		switch ev.PubKey {
		case cli.GetSessionId():
			requestEv = ev
		case f.server.PublicKey():
			responseEv = ev
		}
	}
	require.NotEmpty(t, requestEv.ID)
	require.NotEmpty(t, responseEv.ID)

	respMsg, err := wire.ParseMessage([]byte(responseEv.Content))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`42`), respMsg.ID)
	assert.Equal(t, requestEv.ID, wire.FirstTagValue(responseEv, wire.TagEvent))
	assert.Equal(t, cli.GetSessionId(), wire.FirstTagValue(responseEv, wire.TagRecipient))

	// The request payload names its author; the server re-stamps the same
	// value from the event signature.
	reqMsg, err := wire.ParseMessage([]byte(requestEv.Content))
	require.NoError(t, err)
	assert.Equal(t, cli.GetSessionId(), reqMsg.Meta()[wire.MetaClientPubkey])
}

func TestRoundTrip_Encrypted(t *testing.T) {
	f := newEchoFixture(t, transport.WithServerEncryption(transport.EncryptionRequired))
	cli := f.newClient(t, transport.WithClientEncryption(transport.EncryptionRequired))

	callEcho(t, cli, mcp.NewRequestId("req-1"), "secret")

	// Nothing readable left the process: only gift wraps hit the relay.
	assert.Empty(t, f.hub.PublishedOfKind(wire.KindAppMessage))
	assert.NotEmpty(t, f.hub.PublishedOfKind(wire.KindGiftWrap))
}

func TestRoundTrip_EphemeralWraps(t *testing.T) {
	f := newEchoFixture(t)
	cli := f.newClient(t, transport.WithEphemeralWraps())

	callEcho(t, cli, mcp.NewRequestId(int64(1)), "x")

	assert.Empty(t, f.hub.PublishedOfKind(wire.KindAppMessage))
	assert.Empty(t, f.hub.PublishedOfKind(wire.KindGiftWrap))
	// The server answers in the same wrap kind the client used.
	wraps := f.hub.PublishedOfKind(wire.KindEphemeralGiftWrap)
	assert.GreaterOrEqual(t, len(wraps), 2)
}

func TestMultiplex_CollidingRequestIDs(t *testing.T) {
	f := newEchoFixture(t, transport.WithServerEncryption(transport.EncryptionDisabled))
	cliA := f.newClient(t, transport.WithClientEncryption(transport.EncryptionDisabled))
	cliB := f.newClient(t, transport.WithClientEncryption(transport.EncryptionDisabled))

	// Both clients use request id 1; each must get its own answer back.
	for _, c := range []struct {
		cli    *transport.ClientTransport
		marker string
	}{{cliA, "from-a"}, {cliB, "from-b"}} {
		resp := callEcho(t, c.cli, mcp.NewRequestId(int64(1)), c.marker)
		var result struct {
			Params struct {
				Arguments struct {
					Marker string `json:"marker"`
				} `json:"arguments"`
			} `json:"params"`
		}
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.Equal(t, c.marker, result.Params.Arguments.Marker)
	}
}

func TestSessionEviction_ClosesOldest(t *testing.T) {
	f := newEchoFixture(t, transport.WithMaxSessions(1))
	cliA := f.newClient(t)
	cliB := f.newClient(t)

	callEcho(t, cliA, mcp.NewRequestId(int64(1)), "a")
	appA := f.app(cliA.GetSessionId())
	require.NotNil(t, appA)
	assert.False(t, appA.closed.Load())

	callEcho(t, cliB, mcp.NewRequestId(int64(1)), "b")

	assert.Eventually(t, func() bool { return appA.closed.Load() }, time.Second, 5*time.Millisecond)
}

func TestDuplicateEvents_HandledOnce(t *testing.T) {
	f := newEchoFixture(t)
	cli := f.newClient(t)

	callEcho(t, cli, mcp.NewRequestId(int64(1)), "once")
	require.Equal(t, int32(1), f.handled.Load())

	wraps := f.hub.PublishedOfKind(wire.KindGiftWrap)
	var requestWrap nostr.Event
	for _, ev := range wraps {
		if wire.FirstTagValue(ev, wire.TagRecipient) == f.server.PublicKey() {
			requestWrap = ev
		}
	}
	require.NotEmpty(t, requestWrap.ID)

	// Relay replays the identical wrap.
	f.hub.Inject(requestWrap)

	// A second wrap of the same inner event arrives under a fresh ephemeral
	// key; the inner event id still marks it as seen.
	inner, err := wire.Unwrap(context.Background(), f.serverSigner, requestWrap)
	require.NoError(t, err)
	rewrap, err := wire.Wrap(inner, f.server.PublicKey(), wire.KindGiftWrap)
	require.NoError(t, err)
	f.hub.Inject(rewrap)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), f.handled.Load())
}

func TestNotification_ForwardedToSession(t *testing.T) {
	f := newEchoFixture(t)
	cli := f.newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	notification := mcp.JSONRPCNotification{JSONRPC: mcp.JSONRPC_VERSION}
	notification.Method = "notifications/initialized"
	require.NoError(t, cli.SendNotification(ctx, notification))

	assert.Eventually(t, func() bool {
		return f.app(cli.GetSessionId()) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestStateless_InitializeNeverLeaves(t *testing.T) {
	f := newEchoFixture(t)
	cli := f.newClient(t, transport.WithStateless())

	ctx := context.Background()
	resp, err := cli.SendRequest(ctx, mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(0)),
		Method:  string(mcp.MethodInitialize),
		Params:  map[string]any{"protocolVersion": mcp.LATEST_PROTOCOL_VERSION},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var result struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "Emulated-Stateless-Server", result.ServerInfo.Name)
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, result.ProtocolVersion)

	notification := mcp.JSONRPCNotification{JSONRPC: mcp.JSONRPC_VERSION}
	notification.Method = "notifications/initialized"
	require.NoError(t, cli.SendNotification(ctx, notification))

	// Neither the handshake nor the notification hit the relay.
	assert.Empty(t, f.hub.Published())

	// Real calls still work without any prior handshake.
	callEcho(t, cli, mcp.NewRequestId(int64(1)), "post-handshake")
}

func TestProgress_RoutedToPendingRequest(t *testing.T) {
	f := newEchoFixture(t)
	cli := f.newClient(t)

	var mu sync.Mutex
	var progress []mcp.JSONRPCNotification
	cli.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		mu.Lock()
		progress = append(progress, n)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.SendRequest(ctx, mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(11)),
		Method:  "tools/call",
		Params: map[string]any{
			"name":      "echo",
			"arguments": map[string]any{"marker": "slow"},
			"_meta":     map[string]any{"progressToken": "tok-11"},
		},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	// Progress reached the handler before the response resolved, and the
	// pending entry survived it so the response still correlated.
	mu.Lock()
	require.Len(t, progress, 1)
	assert.Equal(t, "notifications/progress", progress[0].Method)
	mu.Unlock()

	// Progress for a token no pending request owns is dropped.
	forged, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/progress",
		"params":  map[string]any{"progressToken": "nobody", "progress": 1},
	})
	require.NoError(t, err)
	ev := nostr.Event{
		Kind:      wire.KindAppMessage,
		CreatedAt: nostr.Now(),
		Content:   string(forged),
		Tags:      nostr.Tags{{wire.TagRecipient, cli.GetSessionId()}},
	}
	require.NoError(t, f.serverSigner.SignEvent(context.Background(), &ev))
	f.hub.Inject(ev)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Len(t, progress, 1)
	mu.Unlock()
}

// staticAnnouncer serves a fixed server-info announcement.
type staticAnnouncer struct {
	content string
}

func (s staticAnnouncer) Announcements(context.Context) ([]transport.Announcement, error) {
	return []transport.Announcement{{Kind: wire.KindServerInfo, Content: s.content}}, nil
}

func TestOptionalClient_FollowsServerAnnouncement(t *testing.T) {
	f := newEchoFixture(t, transport.WithServerEncryption(transport.EncryptionDisabled))
	f.server.SetAnnouncementSource(staticAnnouncer{content: `{"serverInfo":{"name":"plain"}}`})
	require.NoError(t, f.server.PublishAnnouncements(context.Background()))

	// The announcement carries no support_encryption tag, so an
	// optional-mode client drops to plaintext instead of wrapping for a
	// server that would discard the wraps.
	cli := f.newClient(t)
	require.Eventually(t, func() bool { return !cli.ServerSupportsEncryption() },
		time.Second, 5*time.Millisecond)

	callEcho(t, cli, mcp.NewRequestId(int64(1)), "plain")
	assert.Empty(t, f.hub.PublishedOfKind(wire.KindGiftWrap))
	assert.NotEmpty(t, f.hub.PublishedOfKind(wire.KindAppMessage))
}

// holdingApp keeps requests unanswered so routes stay open.
type holdingApp struct {
	mu     sync.Mutex
	held   []json.RawMessage
	closed atomic.Bool
}

func (a *holdingApp) HandleMessage(_ context.Context, raw json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held = append(a.held, raw)
}

func (a *holdingApp) Close() error {
	a.closed.Store(true)
	return nil
}

func (a *holdingApp) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *holdingApp) first() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[0]
}

func TestSessionEviction_DropsPendingRoutes(t *testing.T) {
	hub := testutil.NewHub()
	srv := transport.NewServer(hub.Relay(), keys.Generate(),
		transport.WithMaxSessions(1),
		transport.WithServerEncryption(transport.EncryptionDisabled))

	var mu sync.Mutex
	apps := make(map[string]*holdingApp)
	srv.SetSessionFactory(func(_ context.Context, pubkey string) (session.AppSession, error) {
		app := &holdingApp{}
		mu.Lock()
		apps[pubkey] = app
		mu.Unlock()
		return app, nil
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })

	newClient := func() *transport.ClientTransport {
		cli := transport.NewClient(srv.PublicKey(), hub.Relay(), keys.Generate(),
			transport.WithClientEncryption(transport.EncryptionDisabled))
		require.NoError(t, cli.Start(context.Background()))
		t.Cleanup(func() { _ = cli.Close() })
		return cli
	}
	app := func(pubkey string) *holdingApp {
		mu.Lock()
		defer mu.Unlock()
		return apps[pubkey]
	}

	cliA := newClient()
	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	go func() {
		_, _ = cliA.SendRequest(ctxA, mcptransport.JSONRPCRequest{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      mcp.NewRequestId(int64(1)),
			Method:  "tools/call",
			Params:  map[string]any{"name": "echo"},
		})
	}()
	require.Eventually(t, func() bool {
		a := app(cliA.GetSessionId())
		return a != nil && a.count() == 1
	}, time.Second, 5*time.Millisecond)
	appA := app(cliA.GetSessionId())

	// A second client overflows the one-slot store and evicts A.
	cliB := newClient()
	notification := mcp.JSONRPCNotification{JSONRPC: mcp.JSONRPC_VERSION}
	notification.Method = "notifications/initialized"
	require.NoError(t, cliB.SendNotification(context.Background(), notification))
	require.Eventually(t, func() bool { return appA.closed.Load() }, time.Second, 5*time.Millisecond)

	// A's unanswered request can no longer be routed; its route died with
	// the session.
	msg, err := wire.ParseMessage(appA.first())
	require.NoError(t, err)
	out, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(msg.ID),
		"result":  map[string]any{},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Send(context.Background(), out), transport.ErrNoRoute)
}

func TestClientClose_FailsInflightRequests(t *testing.T) {
	hub := testutil.NewHub()
	// No server listening; the request would wait forever.
	cli := transport.NewClient(keys.Generate().PublicKey(), hub.Relay(), keys.Generate())
	require.NoError(t, cli.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.SendRequest(context.Background(), mcptransport.JSONRPCRequest{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      mcp.NewRequestId(int64(9)),
			Method:  "tools/call",
		})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cli.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight request did not fail on close")
	}
}
