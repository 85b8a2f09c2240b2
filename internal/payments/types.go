// Package payments gates priced capabilities behind a pay-before-execute
// exchange carried as transport notifications: the server demands payment
// with payment_required, the client settles out of band, and the request is
// forwarded only once a processor has verified settlement.
package payments

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Notification methods of the payment exchange.
const (
	MethodPaymentRequired = "notifications/payment_required"
	MethodPaymentAccepted = "notifications/payment_accepted"
	MethodPaymentRejected = "notifications/payment_rejected"
)

// CodePaymentRequired is the JSON-RPC error code used when a priced request
// cannot proceed.
const CodePaymentRequired = 402

// PricedCapability declares one capability that requires payment before it
// executes. Amount is the base price; MaxAmount, when larger, allows dynamic
// quotes up to that bound.
type PricedCapability struct {
	Method       string
	Name         string
	Amount       float64
	MaxAmount    float64
	CurrencyUnit string
	Description  string
}

// Matches reports whether the capability covers the given request method and
// capability identifier. An empty Name prices every request of the method,
// including methods that carry no capability identifier at all.
func (c PricedCapability) Matches(method, name string) bool {
	if c.Method != method {
		return false
	}
	return c.Name == "" || c.Name == name
}

// kindLabel maps a request method to the capability class used in cap tags.
func kindLabel(method string) string {
	switch method {
	case string(mcp.MethodToolsCall):
		return "tool"
	case string(mcp.MethodPromptsGet):
		return "prompt"
	case string(mcp.MethodResourcesRead):
		return "resource"
	default:
		return ""
	}
}

// PaymentRequired is the payload of a payment_required notification: what to
// pay, through which method, and how long the demand stands.
type PaymentRequired struct {
	Amount      float64        `json:"amount"`
	PayReq      string         `json:"pay_req"`
	PMI         string         `json:"pmi"`
	Description string         `json:"description,omitempty"`
	TTL         int            `json:"ttl,omitempty"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// CreateParams describes the demand a processor must turn into a concrete
// payment request.
type CreateParams struct {
	ClientPubkey string
	Method       string
	Capability   string
	Amount       float64
	MaxAmount    float64
	Unit         string
	Description  string
}

// VerifyParams identifies the payment a processor must confirm as settled.
type VerifyParams struct {
	ClientPubkey string
	Required     PaymentRequired
}

// Verification is the processor's proof of settlement, attached to the
// payment_accepted notification.
type Verification struct {
	Meta map[string]any
}

// Processor implements one payment method on the server side. PMI is the
// well-known payment method identifier clients advertise through pmi tags.
type Processor interface {
	PMI() string
	CreatePaymentRequired(ctx context.Context, params CreateParams) (PaymentRequired, error)
	VerifyPayment(ctx context.Context, params VerifyParams) (Verification, error)
}

// Handler settles payment_required demands on the client side.
type Handler interface {
	PMI() string
	Handle(ctx context.Context, required PaymentRequired) error
}

// QuoteRequest carries the request context a price resolver may use for a
// dynamic quote.
type QuoteRequest struct {
	ClientPubkey string
	Method       string
	Capability   string
	Params       json.RawMessage
	Amount       float64
	MaxAmount    float64
	Unit         string
}

// Quote is a resolver's answer: a final amount, optional metadata merged into
// the payment demand, or an outright rejection.
type Quote struct {
	Amount float64
	Reject bool
	Reason string
	Meta   map[string]any
}

// ResolvePriceFunc computes a per-request price. Returning a rejecting quote
// refuses the request without creating a payment.
type ResolvePriceFunc func(ctx context.Context, req QuoteRequest) (Quote, error)

// NormalizePMI canonicalizes a payment method identifier for comparison.
func NormalizePMI(pmi string) string {
	return strings.ToLower(strings.TrimSpace(pmi))
}
