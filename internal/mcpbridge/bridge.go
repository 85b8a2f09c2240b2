// Package mcpbridge plugs an mcp-go MCPServer into the relay transport: each
// client session feeds messages into the shared server and publishes whatever
// it answers.
package mcpbridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/nostrmcp/internal/session"
)

// SendFunc publishes an application message back through the transport.
type SendFunc func(ctx context.Context, raw json.RawMessage) error

// Factory builds the session factory for a transport. All client sessions
// share one MCPServer; the session itself holds no server state, so closing
// it releases nothing but the handle.
func Factory(srv *server.MCPServer, send SendFunc, logger *slog.Logger) session.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, clientPubkey string) (session.AppSession, error) {
		return &appSession{
			srv:    srv,
			send:   send,
			logger: logger.With("client", clientPubkey),
		}, nil
	}
}

type appSession struct {
	srv    *server.MCPServer
	send   SendFunc
	logger *slog.Logger
}

// HandleMessage feeds one JSON-RPC value into the MCP server and publishes
// the response, if the message produced one.
func (s *appSession) HandleMessage(ctx context.Context, raw json.RawMessage) {
	result := s.srv.HandleMessage(ctx, raw)
	if result == nil {
		return
	}
	out, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("marshal server response", "error", err)
		return
	}
	if err := s.send(ctx, out); err != nil {
		s.logger.Warn("publish server response", "error", err)
	}
}

func (s *appSession) Close() error { return nil }
