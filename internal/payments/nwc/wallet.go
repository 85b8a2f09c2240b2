package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/nostrmcp/internal/payments"
)

// PMI is the payment method identifier for BOLT11 Lightning invoices.
const PMI = "bitcoin-lightning-bolt11"

const (
	// invoiceTTL is the validity window advertised with each demand.
	invoiceTTL = 5 * time.Minute

	// settlePollInterval paces lookup_invoice polling during verification.
	settlePollInterval = 2 * time.Second

	metaPaymentHash = "payment_hash"
	metaPreimage    = "preimage"
)

// Invoice is a freshly minted BOLT11 invoice.
type Invoice struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
}

// Wallet adapts a NIP-47 wallet to the payment interfaces: Handle pays
// demands on the client side, CreatePaymentRequired and VerifyPayment mint
// and watch invoices on the server side.
type Wallet struct {
	client *Client
	logger *slog.Logger
}

var (
	_ payments.Handler   = (*Wallet)(nil)
	_ payments.Processor = (*Wallet)(nil)
)

// NewWallet parses the NWC URI and connects to the wallet relay.
func NewWallet(ctx context.Context, uri string, logger *slog.Logger) (*Wallet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return &Wallet{client: client, logger: logger}, nil
}

// Close drops the wallet relay connection.
func (w *Wallet) Close() error { return w.client.Close() }

// PMI identifies the Lightning BOLT11 payment method.
func (w *Wallet) PMI() string { return PMI }

// Handle settles a payment demand by paying its BOLT11 invoice.
func (w *Wallet) Handle(ctx context.Context, required payments.PaymentRequired) error {
	preimage, err := w.PayInvoice(ctx, required.PayReq)
	if err != nil {
		return err
	}
	w.logger.Info("invoice paid", "amount", required.Amount, "preimage", preimage)
	return nil
}

// CreatePaymentRequired mints an invoice for the demanded amount. Amounts
// are denominated in sats; the wallet wants millisats.
func (w *Wallet) CreatePaymentRequired(ctx context.Context, params payments.CreateParams) (payments.PaymentRequired, error) {
	description := params.Description
	if description == "" {
		description = fmt.Sprintf("%s %s", params.Method, params.Capability)
	}
	invoice, err := w.MakeInvoice(ctx, int64(params.Amount*1000), description)
	if err != nil {
		return payments.PaymentRequired{}, err
	}
	return payments.PaymentRequired{
		Amount:      params.Amount,
		PayReq:      invoice.Invoice,
		PMI:         PMI,
		Description: description,
		TTL:         int(invoiceTTL.Seconds()),
		Meta:        map[string]any{metaPaymentHash: invoice.PaymentHash},
	}, nil
}

// VerifyPayment polls the wallet until the invoice settles or ctx ends.
func (w *Wallet) VerifyPayment(ctx context.Context, params payments.VerifyParams) (payments.Verification, error) {
	paymentHash, _ := params.Required.Meta[metaPaymentHash].(string)
	if paymentHash == "" {
		return payments.Verification{}, errors.New("payment demand carries no payment hash")
	}

	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		settled, preimage, err := w.LookupInvoice(ctx, paymentHash)
		if err != nil {
			w.logger.Debug("invoice lookup failed", "payment_hash", paymentHash, "error", err)
		} else if settled {
			return payments.Verification{Meta: map[string]any{metaPreimage: preimage}}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return payments.Verification{}, ctx.Err()
		}
	}
}

// PayInvoice pays a BOLT11 invoice and returns the preimage.
func (w *Wallet) PayInvoice(ctx context.Context, invoice string) (string, error) {
	result, err := w.client.call(ctx, "pay_invoice", map[string]any{"invoice": invoice})
	if err != nil {
		return "", err
	}
	var paid struct {
		Preimage string `json:"preimage"`
	}
	if err := json.Unmarshal(result, &paid); err != nil {
		return "", fmt.Errorf("parse pay_invoice result: %w", err)
	}
	return paid.Preimage, nil
}

// MakeInvoice mints an invoice for amountMsat millisats.
func (w *Wallet) MakeInvoice(ctx context.Context, amountMsat int64, description string) (Invoice, error) {
	result, err := w.client.call(ctx, "make_invoice", map[string]any{
		"amount":      amountMsat,
		"description": description,
	})
	if err != nil {
		return Invoice{}, err
	}
	var invoice Invoice
	if err := json.Unmarshal(result, &invoice); err != nil {
		return Invoice{}, fmt.Errorf("parse make_invoice result: %w", err)
	}
	return invoice, nil
}

// LookupInvoice reports whether the invoice behind paymentHash has settled.
func (w *Wallet) LookupInvoice(ctx context.Context, paymentHash string) (settled bool, preimage string, err error) {
	result, err := w.client.call(ctx, "lookup_invoice", map[string]any{"payment_hash": paymentHash})
	if err != nil {
		return false, "", err
	}
	var looked struct {
		SettledAt int64  `json:"settled_at"`
		Preimage  string `json:"preimage"`
	}
	if err := json.Unmarshal(result, &looked); err != nil {
		return false, "", fmt.Errorf("parse lookup_invoice result: %w", err)
	}
	return looked.SettledAt > 0, looked.Preimage, nil
}
