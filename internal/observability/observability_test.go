package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	newTestTracerProvider(t)
	var buf bytes.Buffer
	base := NewLogger(&buf, "debug", "json")

	ctx, span := StartSpan(context.Background(), "voice.turn")
	Logger(ctx, base).Info("turn started")
	span.End()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if id, _ := rec["trace_id"].(string); len(id) != 32 {
		t.Fatalf("trace_id = %v, want 32 hex chars", rec["trace_id"])
	}
	if _, ok := rec["span_id"]; !ok {
		t.Fatalf("span_id missing from %v", rec)
	}
}

func TestLoggerWithoutSpanHasNoTraceID(t *testing.T) {
	var buf bytes.Buffer
	Logger(context.Background(), NewLogger(&buf, "info", "json")).Info("hello")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Fatalf("unexpected trace_id in %s", buf.String())
	}
}

func TestEndSpanRecordsErrorButNotCancellation(t *testing.T) {
	exp := newTestTracerProvider(t)

	_, span := StartSpan(context.Background(), "voice.respond")
	EndSpan(span, errors.New("upstream 500"))
	_, span = StartSpan(context.Background(), "voice.speak")
	EndSpan(span, context.Canceled)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("respond span status = %v, want Error", spans[0].Status.Code)
	}
	if spans[1].Status.Code == codes.Error {
		t.Fatalf("cancelled span marked as error")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsStateTransition(t *testing.T) {
	m := NewMetrics("obs_test_transition")
	m.StateTransition("", "idle")
	m.StateTransition("idle", "listening")

	if got := gaugeValue(t, m, "idle"); got != 0 {
		t.Fatalf("idle gauge = %v, want 0", got)
	}
	if got := gaugeValue(t, m, "listening"); got != 1 {
		t.Fatalf("listening gauge = %v, want 1", got)
	}
}

func gaugeValue(t *testing.T, m *Metrics, state string) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.ActiveSessions.WithLabelValues(state).Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return out.GetGauge().GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("respond", time.Second)
	m.SessionEvent("connected")
	m.TurnOutcome("speech", "completed")
	m.StateTransition("idle", "listening")
	m.AudioDropped()
}

func TestHTTPClientTracesAsChildSpan(t *testing.T) {
	exp := newTestTracerProvider(t)
	srv := httptest.NewServer(HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	defer srv.Close()

	ctx, parent := StartSpan(context.Background(), "voice.respond")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/ping", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := HTTPClient(time.Second).Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()
	parent.End()

	var client, server bool
	for _, s := range exp.GetSpans() {
		switch s.Name {
		case "HTTP GET /ping":
			client = true
			if s.Parent.SpanID() != parent.SpanContext().SpanID() {
				t.Fatalf("client span parent = %s, want %s", s.Parent.SpanID(), parent.SpanContext().SpanID())
			}
		case "GET /ping":
			server = true
		}
	}
	if !client || !server {
		t.Fatalf("spans = %v, want client and server spans", spanNames(exp.GetSpans()))
	}
}

func spanNames(spans tracetest.SpanStubs) []string {
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Name)
	}
	return out
}
