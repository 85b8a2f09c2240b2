// Package mcpserver is the demo MCP tool server exposed over the relay
// transport: a few self-contained tools that exercise the round trip, the
// announcements, and (with fortune priced) the payment flow.
package mcpserver

import (
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the demo tools registered.
func NewMCPServer(name, version string) *server.MCPServer {
	s := server.NewMCPServer(name, version)
	h := NewHandlers(time.Now().UnixNano())

	s.AddTool(ToolEcho, h.HandleEcho)
	s.AddTool(ToolAdd, h.HandleAdd)
	s.AddTool(ToolFortune, h.HandleFortune)

	return s
}
