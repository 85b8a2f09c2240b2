package transport

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// statelessInitializeResult is the canned initialize result returned locally
// when the client runs in stateless mode: no initialize round trip is made
// and notifications/initialized is swallowed, so one-shot calls work against
// servers that keep no handshake state.
func statelessInitializeResult() json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"serverInfo": map[string]any{
			"name":    "Emulated-Stateless-Server",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{
			"tools":   map[string]any{"listChanged": true},
			"prompts": map[string]any{"listChanged": true},
			"resources": map[string]any{
				"subscribe":   true,
				"listChanged": true,
			},
		},
	})
	return raw
}
