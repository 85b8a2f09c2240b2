package transport_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nostrmcp/internal/payments"
	"github.com/mbd888/nostrmcp/internal/transport"
)

// settlingProcessor verifies as soon as the paired wallet marks the invoice
// paid, imitating a Lightning processor without a wallet service.
type settlingProcessor struct {
	creates atomic.Int32
	paid    chan struct{}
}

func (p *settlingProcessor) PMI() string { return "test-lightning" }

func (p *settlingProcessor) CreatePaymentRequired(_ context.Context, params payments.CreateParams) (payments.PaymentRequired, error) {
	p.creates.Add(1)
	return payments.PaymentRequired{
		Amount: params.Amount,
		PayReq: "lnbc-fake-invoice",
		PMI:    p.PMI(),
		TTL:    60,
	}, nil
}

func (p *settlingProcessor) VerifyPayment(ctx context.Context, _ payments.VerifyParams) (payments.Verification, error) {
	select {
	case <-p.paid:
		return payments.Verification{Meta: map[string]any{"preimage": "00ff"}}, nil
	case <-ctx.Done():
		return payments.Verification{}, ctx.Err()
	}
}

// payingWallet settles every demand by signalling the processor.
type payingWallet struct {
	pmi      string
	paid     chan struct{}
	payments atomic.Int32
}

func (w *payingWallet) PMI() string { return w.pmi }

func (w *payingWallet) Handle(_ context.Context, required payments.PaymentRequired) error {
	w.payments.Add(1)
	close(w.paid)
	return nil
}

func toolCallRequest(id mcp.RequestId, tool, marker string) mcptransport.JSONRPCRequest {
	return mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Method:  "tools/call",
		Params:  map[string]any{"name": tool, "arguments": map[string]any{"marker": marker}},
	}
}

func pricedEchoMiddleware(proc payments.Processor, resolve payments.ResolvePriceFunc) transport.ServerOption {
	return transport.WithMiddleware(payments.Middleware(payments.Config{
		Capabilities: []payments.PricedCapability{{
			Method: "tools/call", Name: "echo", Amount: 21, CurrencyUnit: "sats",
		}},
		Processors:   []payments.Processor{proc},
		ResolvePrice: resolve,
	}))
}

func TestPaymentFlow_AcceptedThenExecuted(t *testing.T) {
	paid := make(chan struct{})
	proc := &settlingProcessor{paid: paid}
	wallet := &payingWallet{pmi: proc.PMI(), paid: paid}

	f := newEchoFixture(t, pricedEchoMiddleware(proc, nil))

	var mu sync.Mutex
	var notified []string
	cli := f.newClient(t, transport.WithRequestTags(payments.PmiTags([]payments.Handler{wallet})))
	router := payments.NotificationRouter([]payments.Handler{wallet}, nil, nil)
	cli.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		mu.Lock()
		notified = append(notified, n.Method)
		mu.Unlock()
		router(n)
	})

	resp := callEcho(t, cli, mcp.NewRequestId(int64(5)), "paid-call")
	require.NotNil(t, resp.Result)

	assert.Equal(t, int32(1), proc.creates.Load())
	assert.Equal(t, int32(1), wallet.payments.Load())
	assert.Equal(t, int32(1), f.handled.Load(), "tool ran exactly once")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 2)
	assert.Equal(t, payments.MethodPaymentRequired, notified[0])
	assert.Equal(t, payments.MethodPaymentAccepted, notified[1])
}

func TestPaymentFlow_QuoteRejected(t *testing.T) {
	proc := &settlingProcessor{paid: make(chan struct{})}

	f := newEchoFixture(t, pricedEchoMiddleware(proc,
		func(context.Context, payments.QuoteRequest) (payments.Quote, error) {
			return payments.Quote{Reject: true, Reason: "quota exhausted"}, nil
		}))

	var mu sync.Mutex
	var notified []string
	cli := f.newClient(t, transport.WithRequestTags(payments.PmiTags([]payments.Handler{
		&payingWallet{pmi: proc.PMI(), paid: make(chan struct{})},
	})))
	cli.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		mu.Lock()
		notified = append(notified, n.Method)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.SendRequest(ctx, toolCallRequest(mcp.NewRequestId(int64(6)), "echo", "x"))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, payments.CodePaymentRequired, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "quota exhausted")

	assert.Equal(t, int32(0), proc.creates.Load(), "no invoice after rejection")
	assert.Equal(t, int32(0), f.handled.Load(), "tool never ran")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{payments.MethodPaymentRejected}, notified)
}

func TestPaymentFlow_RetrySharesPayment(t *testing.T) {
	paid := make(chan struct{})
	proc := &settlingProcessor{paid: paid}
	wallet := &payingWallet{pmi: proc.PMI(), paid: paid}

	f := newEchoFixture(t, pricedEchoMiddleware(proc, nil))

	cli := f.newClient(t, transport.WithRequestTags(payments.PmiTags([]payments.Handler{wallet})))
	slowWallet := &delayedRouter{inner: payments.NotificationRouter([]payments.Handler{wallet}, nil, nil)}
	cli.SetNotificationHandler(slowWallet.handle)

	// The same logical request goes out twice before the payment settles;
	// the retry must ride the first payment, not trigger a second one. The
	// markers differ so each attempt is a distinct event, while the shared
	// request id keys them to the same payment.
	results := make(chan error, 2)
	for _, marker := range []string{"try-1", "try-2"} {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := cli.SendRequest(ctx, toolCallRequest(mcp.NewRequestId(int64(7)), "echo", marker))
			results <- err
		}()
		time.Sleep(50 * time.Millisecond)
	}
	slowWallet.release()

	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, int32(1), proc.creates.Load(), "one invoice for both attempts")
	assert.Equal(t, int32(1), wallet.payments.Load())
}

// delayedRouter holds payment notifications until released, so a retry can
// land while the first payment is still in flight.
type delayedRouter struct {
	inner func(mcp.JSONRPCNotification)
	mu    sync.Mutex
	held  []mcp.JSONRPCNotification
	open  bool
}

func (d *delayedRouter) handle(n mcp.JSONRPCNotification) {
	d.mu.Lock()
	if !d.open {
		d.held = append(d.held, n)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.inner(n)
}

func (d *delayedRouter) release() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.open = true
	d.mu.Unlock()
	for _, n := range held {
		d.inner(n)
	}
}
