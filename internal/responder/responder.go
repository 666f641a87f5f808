package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is one completed utterance routed to a response generator.
type Request struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Text      string `json:"input_text"`
}

// Response is the generator's reply. Action names an optional follow-up the
// client should take, such as "create_ticket".
type Response struct {
	Text   string `json:"text"`
	Action string `json:"action,omitempty"`
}

// Generator turns utterance text into reply text. Implementations may block
// and must honor ctx.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// SessionEnder is implemented by generators that keep per-session state.
type SessionEnder interface {
	EndSession(sessionID string)
}

// Config controls generator construction.
type Config struct {
	Mode string

	HTTPURL     string
	HTTPTimeout time.Duration
	HTTPRetries int

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	OpenAISystemPrompt string
	OpenAIHistoryTurns int
	OpenAITimeout      time.Duration
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("responder HTTP url is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPTimeout, cfg.HTTPRetries), nil
	case "openai":
		return NewOpenAIGenerator(OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Model:        cfg.OpenAIModel,
			SystemPrompt: cfg.OpenAISystemPrompt,
			HistoryTurns: cfg.OpenAIHistoryTurns,
			Timeout:      cfg.OpenAITimeout,
		})
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported responder mode %q", cfg.Mode)
	}
}

// newAutoGenerator prefers OpenAI, then HTTP, and falls back to the mock so a
// dev setup without credentials still answers.
func newAutoGenerator(cfg Config) Generator {
	var chain []Generator
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		if g, err := NewOpenAIGenerator(OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Model:        cfg.OpenAIModel,
			SystemPrompt: cfg.OpenAISystemPrompt,
			HistoryTurns: cfg.OpenAIHistoryTurns,
			Timeout:      cfg.OpenAITimeout,
		}); err == nil {
			chain = append(chain, g)
		}
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPTimeout, cfg.HTTPRetries))
	}
	switch len(chain) {
	case 0:
		return NewMockGenerator()
	case 1:
		return chain[0]
	default:
		return NewFallbackGenerator(chain...)
	}
}
