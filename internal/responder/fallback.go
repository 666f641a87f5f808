package responder

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator tries each generator in order and returns the first
// success. Cancellation of ctx is never retried.
type FallbackGenerator struct {
	chain []Generator
}

func NewFallbackGenerator(chain ...Generator) *FallbackGenerator {
	out := make([]Generator, 0, len(chain))
	for _, g := range chain {
		if g != nil {
			out = append(out, g)
		}
	}
	return &FallbackGenerator{chain: out}
}

func (f *FallbackGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if len(f.chain) == 0 {
		return Response{}, fmt.Errorf("fallback generator misconfigured")
	}
	var errs []error
	for i, g := range f.chain {
		resp, err := g.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return Response{}, err
		}
		errs = append(errs, fmt.Errorf("generator %d: %w", i, err))
	}
	return Response{}, errors.Join(errs...)
}

// EndSession forwards to every generator in the chain that keeps state.
func (f *FallbackGenerator) EndSession(sessionID string) {
	for _, g := range f.chain {
		if e, ok := g.(SessionEnder); ok {
			e.EndSession(sessionID)
		}
	}
}
