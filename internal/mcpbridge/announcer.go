package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/nostrmcp/internal/transport"
	"github.com/mbd888/nostrmcp/internal/wire"
)

// Announcer derives discovery announcements from the MCP server itself by
// running the listing requests any client could run: what it answers is what
// gets advertised.
type Announcer struct {
	srv    announceServer
	logger *slog.Logger
}

type announceServer interface {
	HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage
}

// NewAnnouncer creates an announcement source over srv.
func NewAnnouncer(srv announceServer, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{srv: srv, logger: logger}
}

var _ transport.AnnouncementSource = (*Announcer)(nil)

// Announcements queries the server for its identity and capability listings.
// Listings the server does not support are skipped, not errors.
func (a *Announcer) Announcements(ctx context.Context) ([]transport.Announcement, error) {
	announcements := make([]transport.Announcement, 0, 5)

	info, err := a.call(ctx, string(mcp.MethodInitialize), map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo":      map[string]any{"name": "announcer", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, err
	}
	announcements = append(announcements, transport.Announcement{
		Kind:    wire.KindServerInfo,
		Content: string(info),
	})

	listings := []struct {
		kind   int
		method string
	}{
		{wire.KindToolsList, string(mcp.MethodToolsList)},
		{wire.KindResourcesList, string(mcp.MethodResourcesList)},
		{wire.KindResourceTemplatesList, string(mcp.MethodResourcesTemplatesList)},
		{wire.KindPromptsList, string(mcp.MethodPromptsList)},
	}
	for _, l := range listings {
		result, err := a.call(ctx, l.method, map[string]any{})
		if err != nil {
			a.logger.Debug("listing not announced", "method", l.method, "error", err)
			continue
		}
		announcements = append(announcements, transport.Announcement{
			Kind:    l.kind,
			Content: string(result),
		})
	}
	return announcements, nil
}

func (a *Announcer) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "announce-" + method,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	result := a.srv.HandleMessage(ctx, body)
	if result == nil {
		return nil, fmt.Errorf("%s: no response", method)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	msg, err := wire.ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	if len(msg.Error) > 0 {
		return nil, fmt.Errorf("%s: %s", method, msg.Error)
	}
	return msg.Result, nil
}
