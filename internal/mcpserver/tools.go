package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the demo server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEcho = mcp.NewTool("echo",
	mcp.WithDescription(
		"Echo the given text back. Useful for verifying the relay round trip "+
			"end to end, including encryption and request correlation."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("Text to echo back verbatim")),
)

var ToolAdd = mcp.NewTool("add",
	mcp.WithDescription(
		"Add two integers and return the sum."),
	mcp.WithNumber("a",
		mcp.Required(),
		mcp.Description("First addend")),
	mcp.WithNumber("b",
		mcp.Required(),
		mcp.Description("Second addend")),
)

var ToolFortune = mcp.NewTool("fortune",
	mcp.WithDescription(
		"Return a short aphorism. When the server is configured with a "+
			"Lightning wallet this tool is priced, so calling it exercises the "+
			"payment flow."),
)
