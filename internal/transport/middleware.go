package transport

import (
	"context"

	"github.com/mbd888/nostrmcp/internal/wire"
)

// MiddlewareContext carries the per-request state middleware can act on.
type MiddlewareContext struct {
	// ClientPubkey is the verified author of the request event.
	ClientPubkey string

	// EventID is the request event id, already installed as the message id.
	EventID string

	// OriginalID is the canonical form of the id the client sent. Retried
	// requests arrive under fresh event ids but keep this one.
	OriginalID string

	// Message is the parsed request. Middleware may rewrite params.
	Message *wire.Message

	// ClientPMIs lists the payment method identifiers the client advertised
	// through pmi tags on the request event.
	ClientPMIs []string

	// Notify publishes a notification back to this client, correlated to the
	// request event and encrypted the same way the request arrived.
	Notify func(ctx context.Context, method string, params any) error
}

// HandlerFunc processes one inbound request. A returned error aborts the
// chain and is reported to the client as a JSON-RPC error response.
type HandlerFunc func(ctx context.Context, mc *MiddlewareContext) error

// Middleware wraps a handler. Chains compose outermost first.
type Middleware func(next HandlerFunc) HandlerFunc

func chainMiddleware(terminal HandlerFunc, mws []Middleware) HandlerFunc {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
