package responder

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator echoes the input, for local runs without a backend.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	base := strings.TrimSpace(req.Text)
	if base == "" {
		base = "I am listening."
	}
	return Response{Text: fmt.Sprintf("I heard you: %s", base)}, nil
}
