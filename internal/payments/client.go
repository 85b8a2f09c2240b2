package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const handlerTimeout = 2 * time.Minute

// NotificationRouter wraps a client notification handler so payment
// notifications are settled by the matching Handler while everything else
// falls through to next. Settlement runs in its own goroutine; the transport
// must not block on it while the server waits for the payment.
func NotificationRouter(handlers []Handler, logger *slog.Logger, next func(mcp.JSONRPCNotification)) func(mcp.JSONRPCNotification) {
	if logger == nil {
		logger = slog.Default()
	}
	byPMI := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		byPMI[NormalizePMI(h.PMI())] = h
	}

	return func(notification mcp.JSONRPCNotification) {
		switch notification.Method {
		case MethodPaymentRequired:
			required, err := decodeRequired(notification)
			if err != nil {
				logger.Warn("undecodable payment demand", "error", err)
				return
			}
			handler, ok := byPMI[NormalizePMI(required.PMI)]
			if !ok {
				logger.Warn("payment demanded via unsupported method", "pmi", required.PMI)
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
				defer cancel()
				logger.Info("settling payment", "amount", required.Amount, "pmi", required.PMI)
				if err := handler.Handle(ctx, required); err != nil {
					logger.Error("payment failed", "pmi", required.PMI, "error", err)
				}
			}()
		case MethodPaymentAccepted:
			logger.Info("payment accepted by server")
		case MethodPaymentRejected:
			logger.Warn("payment rejected by server", "params", notification.Params)
		default:
			if next != nil {
				next(notification)
			}
		}
	}
}

func decodeRequired(notification mcp.JSONRPCNotification) (PaymentRequired, error) {
	raw, err := json.Marshal(notification.Params)
	if err != nil {
		return PaymentRequired{}, err
	}
	var required PaymentRequired
	if err := json.Unmarshal(raw, &required); err != nil {
		return PaymentRequired{}, err
	}
	return required, nil
}
