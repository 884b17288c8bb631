package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/tanglab/llamabroker/internal/session"
)

// MockGenerator provides deterministic local replies when no engine is
// configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req.Turns)
	used := EstimateUsage(req, text)
	return Response{Text: text, TokensUsed: used}, nil
}

func buildMockReply(turns []session.Turn) string {
	last := ""
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == session.RoleUser {
			last = strings.TrimSpace(turns[i].Text)
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", last)
}

// EstimateUsage approximates token usage for backends that do not report it.
func EstimateUsage(req Request, reply string) int {
	total := len(req.SystemPrompt)/4 + len(reply)/4
	for _, t := range req.Turns {
		total += t.TokenCount
	}
	return total
}
