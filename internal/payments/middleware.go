package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/nostrmcp/internal/metrics"
	"github.com/mbd888/nostrmcp/internal/transport"
)

const (
	// DefaultVerifyTimeout bounds how long the middleware waits for
	// settlement when the payment demand carries no shorter TTL.
	DefaultVerifyTimeout = 5 * time.Minute

	// DefaultMaxPending bounds concurrently pending payments across all
	// clients.
	DefaultMaxPending = 1000

	// purgeLimit caps how many expired pending entries one request cleans
	// up, keeping the purge cost per request bounded.
	purgeLimit = 25
)

// Config wires the payment middleware.
type Config struct {
	Capabilities []PricedCapability
	Processors   []Processor

	// ResolvePrice, when set, quotes a per-request price before the demand
	// is created. Nil means every request pays the capability's base amount.
	ResolvePrice ResolvePriceFunc

	// VerifyTimeout overrides DefaultVerifyTimeout.
	VerifyTimeout time.Duration

	// MaxPending overrides DefaultMaxPending. At the cap, new priced
	// requests are rejected until an in-flight payment settles or expires.
	MaxPending int

	Logger *slog.Logger
}

type pendingPayment struct {
	expiresAt time.Time
	done      chan struct{}
	err       error
}

type middleware struct {
	cfg     Config
	mu      sync.Mutex
	pending map[string]*pendingPayment
}

// Middleware builds the server-side payment gate. Requests for unpriced
// capabilities pass through untouched; priced ones are held until a processor
// verifies settlement. Retried requests piggyback on the in-flight payment
// instead of being charged twice.
func Middleware(cfg Config) transport.Middleware {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &middleware{cfg: cfg, pending: make(map[string]*pendingPayment)}

	return func(next transport.HandlerFunc) transport.HandlerFunc {
		return func(ctx context.Context, mc *transport.MiddlewareContext) error {
			capability, ok := m.matchCapability(mc.Message.Method, mc.Message.CapabilityName())
			if !ok {
				return next(ctx, mc)
			}
			return m.handle(ctx, mc, capability, next)
		}
	}
}

func (m *middleware) matchCapability(method, name string) (PricedCapability, bool) {
	for _, c := range m.cfg.Capabilities {
		if c.Matches(method, name) {
			return c, true
		}
	}
	return PricedCapability{}, false
}

func (m *middleware) handle(ctx context.Context, mc *transport.MiddlewareContext, capability PricedCapability, next transport.HandlerFunc) error {
	key := pendingKey(mc, capability)
	m.purgeExpired()

	m.mu.Lock()
	if p, ok := m.pending[key]; ok && time.Now().Before(p.expiresAt) {
		m.mu.Unlock()
		return m.awaitSettlement(ctx, mc, p, next)
	}
	if len(m.pending) >= m.cfg.MaxPending {
		m.mu.Unlock()
		m.reject(ctx, mc, capability.Amount, "", "too many pending payments")
		metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
		return &transport.RequestError{
			Code:    CodePaymentRequired,
			Message: "payment required: too many pending payments",
		}
	}
	p := &pendingPayment{
		expiresAt: time.Now().Add(m.cfg.VerifyTimeout),
		done:      make(chan struct{}),
	}
	m.pending[key] = p
	m.mu.Unlock()

	err := m.settle(ctx, mc, capability, p)
	p.err = err
	close(p.done)
	// The payment is resolved either way; a later retry starts a fresh
	// exchange instead of replaying this outcome.
	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return next(ctx, mc)
}

// awaitSettlement parks a duplicate request on the in-flight payment and
// shares its outcome, so a client retry never pays twice.
func (m *middleware) awaitSettlement(ctx context.Context, mc *transport.MiddlewareContext, p *pendingPayment, next transport.HandlerFunc) error {
	m.cfg.Logger.Debug("joining in-flight payment", "client", mc.ClientPubkey)
	select {
	case <-p.done:
		if p.err != nil {
			return p.err
		}
		return next(ctx, mc)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle runs the demand-pay-verify exchange for one priced request.
func (m *middleware) settle(ctx context.Context, mc *transport.MiddlewareContext, capability PricedCapability, p *pendingPayment) error {
	logger := m.cfg.Logger.With("client", mc.ClientPubkey, "capability", capability.Name)

	processor := m.chooseProcessor(mc.ClientPMIs)
	if processor == nil {
		m.reject(ctx, mc, capability.Amount, "", "no mutually supported payment method")
		metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
		return &transport.RequestError{
			Code:    CodePaymentRequired,
			Message: "payment required: no mutually supported payment method",
		}
	}

	amount := capability.Amount
	var quoteMeta map[string]any
	if m.cfg.ResolvePrice != nil {
		quote, err := m.cfg.ResolvePrice(ctx, QuoteRequest{
			ClientPubkey: mc.ClientPubkey,
			Method:       mc.Message.Method,
			Capability:   capability.Name,
			Params:       mc.Message.Params,
			Amount:       capability.Amount,
			MaxAmount:    capability.MaxAmount,
			Unit:         capability.CurrencyUnit,
		})
		if err != nil {
			logger.Warn("price resolution failed", "error", err)
			metrics.PaymentsTotal.WithLabelValues("error").Inc()
			return &transport.RequestError{Code: CodePaymentRequired, Message: "payment required: pricing unavailable"}
		}
		if quote.Reject {
			reason := quote.Reason
			if reason == "" {
				reason = "request refused"
			}
			m.reject(ctx, mc, capability.Amount, processor.PMI(), reason)
			metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
			return &transport.RequestError{Code: CodePaymentRequired, Message: "payment required: " + reason}
		}
		if quote.Amount > 0 {
			amount = quote.Amount
		}
		quoteMeta = quote.Meta
	}

	required, err := processor.CreatePaymentRequired(ctx, CreateParams{
		ClientPubkey: mc.ClientPubkey,
		Method:       mc.Message.Method,
		Capability:   capability.Name,
		Amount:       amount,
		MaxAmount:    capability.MaxAmount,
		Unit:         capability.CurrencyUnit,
		Description:  capability.Description,
	})
	if err != nil {
		logger.Error("create payment demand", "error", err)
		metrics.PaymentsTotal.WithLabelValues("error").Inc()
		return &transport.RequestError{Code: CodePaymentRequired, Message: "payment required: could not create payment request"}
	}
	required.Meta = mergeMeta(required.Meta, quoteMeta)

	if err := mc.Notify(ctx, MethodPaymentRequired, required); err != nil {
		logger.Error("publish payment_required", "error", err)
		metrics.PaymentsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish payment demand: %w", err)
	}
	logger.Info("payment demanded", "amount", required.Amount, "pmi", required.PMI)

	verifyTimeout := m.cfg.VerifyTimeout
	if required.TTL > 0 {
		if ttl := time.Duration(required.TTL) * time.Second; ttl < verifyTimeout {
			verifyTimeout = ttl
		}
	}
	p.expiresAt = time.Now().Add(verifyTimeout)

	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	start := time.Now()
	verification, err := processor.VerifyPayment(verifyCtx, VerifyParams{
		ClientPubkey: mc.ClientPubkey,
		Required:     required,
	})
	metrics.PaymentVerifyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		reason := "payment not verified"
		if verifyCtx.Err() != nil {
			outcome, reason = "timeout", "payment timed out"
		}
		logger.Warn("payment verification failed", "error", err)
		m.reject(ctx, mc, required.Amount, required.PMI, reason)
		metrics.PaymentsTotal.WithLabelValues(outcome).Inc()
		return &transport.RequestError{Code: CodePaymentRequired, Message: "payment required: " + reason}
	}

	accepted := map[string]any{
		"amount": required.Amount,
		"pmi":    required.PMI,
	}
	if len(verification.Meta) > 0 {
		accepted["_meta"] = verification.Meta
	}
	if err := mc.Notify(ctx, MethodPaymentAccepted, accepted); err != nil {
		logger.Warn("publish payment_accepted", "error", err)
	}
	metrics.PaymentsTotal.WithLabelValues("accepted").Inc()
	logger.Info("payment accepted", "amount", required.Amount, "took", time.Since(start))
	return nil
}

func (m *middleware) reject(ctx context.Context, mc *transport.MiddlewareContext, amount float64, pmi, reason string) {
	params := map[string]any{
		"amount":  amount,
		"message": reason,
	}
	if pmi != "" {
		params["pmi"] = pmi
	}
	if err := mc.Notify(ctx, MethodPaymentRejected, params); err != nil {
		m.cfg.Logger.Warn("publish payment_rejected", "error", err)
	}
}

// chooseProcessor picks the first configured processor the client advertised
// support for. A client that advertises nothing gets the first processor;
// it may still settle out of band.
func (m *middleware) chooseProcessor(clientPMIs []string) Processor {
	if len(m.cfg.Processors) == 0 {
		return nil
	}
	if len(clientPMIs) == 0 {
		return m.cfg.Processors[0]
	}
	advertised := make(map[string]bool, len(clientPMIs))
	for _, pmi := range clientPMIs {
		advertised[NormalizePMI(pmi)] = true
	}
	for _, p := range m.cfg.Processors {
		if advertised[NormalizePMI(p.PMI())] {
			return p
		}
	}
	return nil
}

// pendingKey identifies one logical payment: a retried request keeps its
// original id, so it maps to the same in-flight entry.
func pendingKey(mc *transport.MiddlewareContext, capability PricedCapability) string {
	return mc.ClientPubkey + "|" + capability.Method + "|" + capability.Name + "|" + mc.OriginalID
}

func (m *middleware) purgeExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for key, p := range m.pending {
		if purged >= purgeLimit {
			break
		}
		select {
		case <-p.done:
		default:
			continue // still settling, expiresAt may yet move
		}
		if now.After(p.expiresAt) {
			delete(m.pending, key)
			purged++
		}
	}
}

func mergeMeta(base, override map[string]any) map[string]any {
	if len(override) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
