package mcpserver

import (
	"context"
	"math/rand"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers implements the demo tools. They hold no external state; everything
// is computed in process so the server runs with nothing but relay access.
type Handlers struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewHandlers creates the demo tool handlers seeded from seed.
func NewHandlers(seed int64) *Handlers {
	return &Handlers{rng: rand.New(rand.NewSource(seed))}
}

// HandleEcho returns the text argument unchanged.
func (h *Handlers) HandleEcho(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAdd returns the sum of a and b.
func (h *Handlers) HandleAdd(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := req.GetInt("a", 0)
	b := req.GetInt("b", 0)
	return mcp.NewToolResultText(strconv.Itoa(a + b)), nil
}

var fortunes = []string{
	"The best time to plant a tree was twenty years ago. The second best time is now.",
	"A ship in harbor is safe, but that is not what ships are built for.",
	"Simplicity is a great virtue but it requires hard work to achieve it.",
	"Make it correct, make it clear, make it concise, make it fast. In that order.",
	"The cheapest, fastest, and most reliable components are those that aren't there.",
}

// HandleFortune returns a random aphorism.
func (h *Handlers) HandleFortune(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	fortune := fortunes[h.rng.Intn(len(fortunes))]
	h.mu.Unlock()
	return mcp.NewToolResultText(fortune), nil
}
