// nostrmcp server - serves MCP tools over Nostr relays
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mbd888/nostrmcp/internal/config"
	"github.com/mbd888/nostrmcp/internal/keys"
	"github.com/mbd888/nostrmcp/internal/logging"
	"github.com/mbd888/nostrmcp/internal/mcpbridge"
	"github.com/mbd888/nostrmcp/internal/mcpserver"
	"github.com/mbd888/nostrmcp/internal/metrics"
	"github.com/mbd888/nostrmcp/internal/payments"
	"github.com/mbd888/nostrmcp/internal/payments/nwc"
	"github.com/mbd888/nostrmcp/internal/relaypool"
	"github.com/mbd888/nostrmcp/internal/transport"
	"github.com/mbd888/nostrmcp/internal/wire"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.FromEnv()

	logger.Info("starting nostrmcp server",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signer, err := keys.NewPrivateKeySigner(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	mode, err := transport.ParseEncryptionMode(cfg.EncryptionMode)
	if err != nil {
		return err
	}
	pool, err := relaypool.New(cfg.Relays, logger)
	if err != nil {
		return err
	}

	srv := mcpserver.NewMCPServer(cfg.ServerName, cfg.ServerVersion)

	opts := []transport.ServerOption{
		transport.WithServerEncryption(mode),
		transport.WithMaxSessions(cfg.MaxSessions),
		transport.WithRouteCapacity(cfg.RouteCapacity),
		transport.WithServerLogger(logger),
	}

	// With a wallet configured the fortune tool is priced, which turns on the
	// payment middleware and gets prices advertised in the announcements.
	var pricingTags nostr.Tags
	if cfg.NWCURI != "" {
		wallet, err := nwc.NewWallet(ctx, cfg.NWCURI, logger)
		if err != nil {
			return fmt.Errorf("connect wallet: %w", err)
		}
		defer wallet.Close()

		priced := []payments.PricedCapability{{
			Method:       "tools/call",
			Name:         "fortune",
			Amount:       21,
			CurrencyUnit: "sats",
			Description:  "One aphorism per invoice",
		}}
		processors := []payments.Processor{wallet}
		opts = append(opts, transport.WithMiddleware(payments.Middleware(payments.Config{
			Capabilities:  priced,
			Processors:    processors,
			VerifyTimeout: time.Duration(cfg.PaymentTTLSeconds) * time.Second,
			Logger:        logger,
		})))
		pricingTags = append(payments.ProcessorPmiTags(processors), payments.CapTags(priced)...)
		logger.Info("payments enabled", "wallet", wallet.PMI(), "priced_tools", len(priced))
	}

	st := transport.NewServer(pool, signer, opts...)
	st.SetSessionFactory(mcpbridge.Factory(srv, st.Send, logger))
	st.SetAnnouncementSource(mcpbridge.NewAnnouncer(srv, logger))

	identity := nostr.Tags{{wire.TagName, cfg.ServerName}}
	if cfg.ServerAbout != "" {
		identity = append(identity, nostr.Tag{wire.TagAbout, cfg.ServerAbout})
	}
	if cfg.ServerWebsite != "" {
		identity = append(identity, nostr.Tag{wire.TagWebsite, cfg.ServerWebsite})
	}
	if cfg.ServerPicture != "" {
		identity = append(identity, nostr.Tag{wire.TagPicture, cfg.ServerPicture})
	}
	st.SetAnnouncementTags(wire.KindServerInfo, append(identity, pricingTags...))
	if len(pricingTags) > 0 {
		st.SetAnnouncementTags(wire.KindToolsList, pricingTags)
	}

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	if err := st.Start(ctx); err != nil {
		return err
	}
	logger.Info("serving",
		"pubkey", st.PublicKey(),
		"relays", cfg.Relays,
		"encryption", mode.String(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return st.Stop()
}
