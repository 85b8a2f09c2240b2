// nostrmcp call - one-shot MCP tool call over Nostr relays
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/nostrmcp/internal/config"
	"github.com/mbd888/nostrmcp/internal/keys"
	"github.com/mbd888/nostrmcp/internal/logging"
	"github.com/mbd888/nostrmcp/internal/payments"
	"github.com/mbd888/nostrmcp/internal/payments/nwc"
	"github.com/mbd888/nostrmcp/internal/relaypool"
	"github.com/mbd888/nostrmcp/internal/transport"
)

const callTimeout = 2 * time.Minute

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: call <tool> [json-arguments]")
		os.Exit(2)
	}
	tool := os.Args[1]
	arguments := json.RawMessage(`{}`)
	if len(os.Args) > 2 {
		arguments = json.RawMessage(os.Args[2])
		if !json.Valid(arguments) {
			fmt.Fprintln(os.Stderr, "arguments must be valid JSON")
			os.Exit(2)
		}
	}

	logger := logging.FromEnv()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.ServerPubkey == "" {
		fmt.Fprintln(os.Stderr, "SERVER_PUBKEY is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	signer, err := keys.NewPrivateKeySigner(cfg.PrivateKey)
	if err != nil {
		logger.Error("load identity", "error", err)
		os.Exit(1)
	}
	pool, err := relaypool.New(cfg.Relays, logger)
	if err != nil {
		logger.Error("relay pool", "error", err)
		os.Exit(1)
	}
	mode, err := transport.ParseEncryptionMode(cfg.EncryptionMode)
	if err != nil {
		logger.Error("encryption mode", "error", err)
		os.Exit(1)
	}

	opts := []transport.ClientOption{
		transport.WithClientEncryption(mode),
		transport.WithClientLogger(logger),
	}
	if cfg.Stateless {
		opts = append(opts, transport.WithStateless())
	}

	// A wallet turns the client into a paying one: its payment methods are
	// advertised on every request and payment_required demands settle
	// automatically.
	var handlers []payments.Handler
	if cfg.NWCURI != "" {
		wallet, err := nwc.NewWallet(ctx, cfg.NWCURI, logger)
		if err != nil {
			logger.Error("connect wallet", "error", err)
			os.Exit(1)
		}
		defer wallet.Close()
		handlers = append(handlers, wallet)
		opts = append(opts, transport.WithRequestTags(payments.PmiTags(handlers)))
	}

	cli := transport.NewClient(cfg.ServerPubkey, pool, signer, opts...)
	cli.SetNotificationHandler(payments.NotificationRouter(handlers, logger, func(n mcp.JSONRPCNotification) {
		logger.Debug("notification", "method", n.Method)
	}))

	if err := cli.Start(ctx); err != nil {
		logger.Error("start transport", "error", err)
		os.Exit(1)
	}
	defer cli.Close()

	if err := run(ctx, cli, tool, arguments); err != nil {
		logger.Error("call failed", "tool", tool, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cli *transport.ClientTransport, tool string, arguments json.RawMessage) error {
	init, err := cli.SendRequest(ctx, mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(0)),
		Method:  string(mcp.MethodInitialize),
		Params: map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo":      map[string]any{"name": "nostrmcp-call", "version": "1.0.0"},
			"capabilities":    map[string]any{},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if init.Error != nil {
		return fmt.Errorf("initialize: %s", init.Error.Message)
	}

	initialized := mcp.JSONRPCNotification{JSONRPC: mcp.JSONRPC_VERSION}
	initialized.Method = "notifications/initialized"
	if err := cli.SendNotification(ctx, initialized); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	resp, err := cli.SendRequest(ctx, mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "tools/call",
		Params: map[string]any{
			"name":      tool,
			"arguments": arguments,
		},
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	var pretty map[string]any
	if err := json.Unmarshal(resp.Result, &pretty); err != nil {
		fmt.Println(string(resp.Result))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
