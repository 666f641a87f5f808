package responder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ent0n29/shopvoice/internal/observability"
)

const defaultSystemPrompt = "You are Alex, a personal shopping assistant for this store. " +
	"Answer in short spoken sentences without markdown, since replies are read aloud. " +
	"Only recommend products the customer can find in this store. " +
	"If the customer needs human support, say so and append ASSISTANT_CREATE_TICKET."

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	// HistoryTurns bounds the user/assistant pairs kept per session.
	HistoryTurns int
	Timeout      time.Duration
}

// OpenAIGenerator answers through the chat completions API and keeps a short
// in-memory thread per session.
type OpenAIGenerator struct {
	client       oai.Client
	model        string
	systemPrompt string
	historyTurns int

	mu      sync.Mutex
	threads map[string][]oai.ChatCompletionMessageParamUnion
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 8
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, option.WithHTTPClient(observability.HTTPClient(cfg.Timeout)))

	return &OpenAIGenerator{
		client:       oai.NewClient(reqOpts...),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		historyTurns: cfg.HistoryTurns,
		threads:      make(map[string][]oai.ChatCompletionMessageParamUnion),
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Response{}, fmt.Errorf("openai: empty input")
	}

	g.mu.Lock()
	history := append([]oai.ChatCompletionMessageParamUnion(nil), g.threads[req.SessionID]...)
	g.mu.Unlock()

	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, oai.SystemMessage(g.systemPrompt))
	messages = append(messages, history...)
	messages = append(messages, oai.UserMessage(text))

	resp, err := g.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: messages,
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("openai: empty choices in response")
	}

	raw := resp.Choices[0].Message.Content
	out := finalizeResponse(raw)
	g.remember(req.SessionID, text, out.Text)
	return out, nil
}

func (g *OpenAIGenerator) remember(sessionID, user, assistant string) {
	if sessionID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	thread := append(g.threads[sessionID], oai.UserMessage(user), oai.AssistantMessage(assistant))
	if max := g.historyTurns * 2; len(thread) > max {
		thread = append([]oai.ChatCompletionMessageParamUnion(nil), thread[len(thread)-max:]...)
	}
	g.threads[sessionID] = thread
}

// EndSession drops the session thread.
func (g *OpenAIGenerator) EndSession(sessionID string) {
	g.mu.Lock()
	delete(g.threads, sessionID)
	g.mu.Unlock()
}

// threadLen reports the stored message count for a session.
func (g *OpenAIGenerator) threadLen(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.threads[sessionID])
}
