// nostrmcp stdio - serves the demo MCP tools over stdio instead of relays,
// for local testing with any stdio MCP client
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/nostrmcp/internal/mcpserver"
)

func main() {
	name := envOrDefault("SERVER_NAME", "nostrmcp-server")
	version := envOrDefault("SERVER_VERSION", "0.1.0")

	s := mcpserver.NewMCPServer(name, version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
