package responder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/shopvoice/internal/observability"
	"github.com/ent0n29/shopvoice/internal/reliability"
)

// HTTPGenerator posts requests to a JSON endpoint. Replies may be a JSON
// object, plain text, NDJSON or SSE.
type HTTPGenerator struct {
	url     string
	client  *http.Client
	retries int
}

func NewHTTPGenerator(url string, timeout time.Duration, retries int) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPGenerator{
		url:     strings.TrimSpace(url),
		client:  observability.HTTPClient(timeout),
		retries: retries,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("responder http status %d: %s", e.code, e.body)
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	var out Response
	err = reliability.Retry(ctx, g.retries+1, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		resp, err := g.do(ctx, payload)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return out, nil
}

func (g *HTTPGenerator) do(ctx context.Context, payload []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, &reliability.Permanent{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, application/x-ndjson, text/event-stream")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		serr := &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Response{}, serr
		}
		return Response{}, &reliability.Permanent{Err: serr}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStreaming(res.Body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return finalizeResponse(string(body)), nil
	}
	resp := finalizeResponse(extractText(obj))
	if action, ok := obj["action"].(string); ok && strings.TrimSpace(action) != "" {
		resp.Action = strings.TrimSpace(action)
	}
	return resp, nil
}

func consumeStreaming(body io.Reader) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	var action string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
			if a, ok := obj["action"].(string); ok && a != "" {
				action = a
			}
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}

	resp := finalizeResponse(out.String())
	if action != "" {
		resp.Action = action
	}
	return resp, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "text_response", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
