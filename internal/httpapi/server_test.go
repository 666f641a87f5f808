package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/shopvoice/internal/config"
	"github.com/ent0n29/shopvoice/internal/observability"
	"github.com/ent0n29/shopvoice/internal/responder"
	"github.com/ent0n29/shopvoice/internal/session"
	"github.com/ent0n29/shopvoice/internal/voice"
)

var metricsSeq atomic.Int64

func newTestServer(t *testing.T, synth voice.Synthesizer) (*Server, *httptest.Server, *session.Registry) {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(), synth)
}

func testConfig() config.Config {
	return config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		VoiceProvider:            "mock",
		ResponderMode:            "mock",
		OutboxSize:               64,
		WSPingInterval:           time.Second,
		WSReadLimit:              1 << 20,
	}
}

func newTestServerWithConfig(t *testing.T, cfg config.Config, synth voice.Synthesizer) (*Server, *httptest.Server, *session.Registry) {
	t.Helper()
	if synth == nil {
		synth = voice.NewMockSynthesizer()
	}
	registry := session.NewRegistry(cfg.SessionInactivityTimeout)
	deps := voice.Deps{
		Recognizer: voice.NewMockRecognizer(),
		Generator:  responder.NewMockGenerator(),
		Streamer:   voice.NewStreamer(synth),
		Metrics:    observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1))),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	srv := New(cfg, registry, deps, voice.ControllerConfig{Greeting: "Welcome!", DrainTimeout: 500 * time.Millisecond})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		registry.CloseAll()
		ts.Close()
	})
	return srv, ts, registry
}

func dialVoice(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	binary []byte
	event  map[string]any
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType == websocket.BinaryMessage {
		return frame{binary: data}
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return frame{event: ev}
}

// readUntil reads frames until an event of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (map[string]any, []frame) {
	t.Helper()
	var seen []frame
	for i := 0; i < 200; i++ {
		f := readFrame(t, conn)
		if f.event != nil && f.event["type"] == typ {
			return f.event, seen
		}
		seen = append(seen, f)
	}
	t.Fatalf("no %s event within 200 frames", typ)
	return nil, nil
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv, ts, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d", res.StatusCode)
	}

	srv.SetDraining(true)
	res, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("GET /readyz while draining status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestVoiceSessionTextTurn(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := dialVoice(t, ts, "")

	greeting := readFrame(t, conn)
	if greeting.event["type"] != "greeting" || greeting.event["message"] != "Welcome!" {
		t.Fatalf("first event = %+v, want greeting", greeting.event)
	}

	sendJSON(t, conn, map[string]string{"type": "text_input", "text": "do you sell umbrellas"})
	resp, _ := readUntil(t, conn, "agent_response")
	if resp["text"] != "I heard you: do you sell umbrellas" || resp["user_input"] != "do you sell umbrellas" {
		t.Fatalf("agent_response = %+v", resp)
	}

	complete, frames := readUntil(t, conn, "tts_complete")
	var audio []byte
	for _, f := range frames {
		audio = append(audio, f.binary...)
	}
	if string(audio) != "I heard you: do you sell umbrellas" {
		t.Fatalf("binary audio = %q, want the mock synthesis of the reply", audio)
	}
	if complete["chunks_sent"].(float64) < 1 {
		t.Fatalf("tts_complete = %+v", complete)
	}
}

func TestVoiceSessionBase64Audio(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := dialVoice(t, ts, "?audio=base64")
	readFrame(t, conn)

	sendJSON(t, conn, map[string]string{"type": "text_input", "text": "hi"})
	chunk, _ := readUntil(t, conn, "tts_chunk")
	data, err := base64.StdEncoding.DecodeString(chunk["audio_base64"].(string))
	if err != nil {
		t.Fatalf("decode audio_base64: %v", err)
	}
	if !strings.HasPrefix("I heard you: hi", string(data)) || len(data) == 0 {
		t.Fatalf("tts_chunk audio = %q", data)
	}
}

func TestVoiceSessionRejectsBadMessages(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := dialVoice(t, ts, "")
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	ev, _ := readUntil(t, conn, "error")
	if ev["kind"] != "protocol" || ev["code"] != "invalid_client_message" {
		t.Fatalf("error event = %+v", ev)
	}

	sendJSON(t, conn, map[string]string{"type": "dance"})
	ev, _ = readUntil(t, conn, "error")
	if ev["code"] != "unsupported_type" {
		t.Fatalf("error event = %+v", ev)
	}
}

func TestVoiceSessionStopPhraseClosesConnection(t *testing.T) {
	_, ts, registry := newTestServer(t, nil)
	conn := dialVoice(t, ts, "")
	readFrame(t, conn)

	sendJSON(t, conn, map[string]string{"type": "text_input", "text": "ok exit"})
	end, _ := readUntil(t, conn, "session_end")
	if end["reason"] != "stop_phrase" {
		t.Fatalf("session_end = %+v", end)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage() error = %v, want normal close", err)
	}
	waitForCount(t, registry, 0)
}

func TestListAndEndSessions(t *testing.T) {
	_, ts, registry := newTestServer(t, nil)
	conn := dialVoice(t, ts, "")
	readFrame(t, conn)
	waitForCount(t, registry, 1)

	res, err := http.Get(ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET /v1/sessions error = %v", err)
	}
	var listed struct {
		Active   int            `json:"active"`
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	res.Body.Close()
	if listed.Active != 1 || len(listed.Sessions) != 1 {
		t.Fatalf("sessions = %+v", listed)
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodDelete, ts.URL+"/v1/sessions/"+listed.Sessions[0].SessionID, nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	waitForCount(t, registry, 0)

	req, _ = http.NewRequestWithContext(context.Background(), http.MethodDelete, ts.URL+"/v1/sessions/unknown", nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE unknown session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE unknown status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

type pcmSynth struct{ voice.MockSynthesizer }

func (pcmSynth) ContentType() string { return "audio/L16" }

func TestPreviewTTS(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	res, err := http.Post(ts.URL+"/v1/voice/tts/preview", "application/json", bytes.NewBufferString(`{"text":"Try our new running shoes"}`))
	if err != nil {
		t.Fatalf("POST preview error = %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d body = %s", res.StatusCode, body)
	}
	if string(body) != "Try our new running shoes" || res.Header.Get("X-Audio-Chunks") == "" {
		t.Fatalf("preview body = %q headers = %v", body, res.Header)
	}

	res, err = http.Post(ts.URL+"/v1/voice/tts/preview", "application/json", bytes.NewBufferString(`{"text":"  "}`))
	if err != nil {
		t.Fatalf("POST preview error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank preview status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPreviewTTSWrapsPCMAsWAV(t *testing.T) {
	_, ts, _ := newTestServer(t, &pcmSynth{voice.MockSynthesizer{ChunkSize: 8}})

	res, err := http.Post(ts.URL+"/v1/voice/tts/preview", "application/json", bytes.NewBufferString(`{"text":"abcdefgh"}`))
	if err != nil {
		t.Fatalf("POST preview error = %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("Content-Type = %q, want audio/wav", res.Header.Get("Content-Type"))
	}
	if len(body) != 44+8 || string(body[:4]) != "RIFF" {
		t.Fatalf("preview body is not a WAV clip: %d bytes", len(body))
	}
}

func TestPCMSampleRate(t *testing.T) {
	cases := map[string]int{"pcm_16000": 16000, "PCM_24000": 24000, "pcm_": 16000, "mp3_44100_128": 16000}
	for format, want := range cases {
		if got, _ := pcmSampleRate(format); got != want {
			t.Errorf("pcmSampleRate(%q) = %d, want %d", format, got, want)
		}
	}
}

func waitForCount(t *testing.T, registry *session.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for registry.ActiveCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveCount() = %d, want %d", registry.ActiveCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVoiceSessionSurvivesJanitorWhileClientAnswersPings(t *testing.T) {
	cfg := testConfig()
	cfg.SessionInactivityTimeout = 300 * time.Millisecond
	cfg.WSPingInterval = 50 * time.Millisecond
	_, ts, registry := newTestServerWithConfig(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.StartJanitor(ctx, 20*time.Millisecond)

	conn := dialVoice(t, ts, "")
	readUntil(t, conn, "greeting")
	waitForCount(t, registry, 1)

	// The default ping handler answers server pings while the client reads.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	time.Sleep(4 * cfg.SessionInactivityTimeout)
	select {
	case err := <-readErr:
		t.Fatalf("connection closed while idle: %v", err)
	default:
	}
	if got := registry.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d after idle period with live pongs, want 1", got)
	}
}

func TestVoiceSessionReapedWhenTransportGoesQuiet(t *testing.T) {
	cfg := testConfig()
	cfg.SessionInactivityTimeout = 300 * time.Millisecond
	cfg.WSPingInterval = time.Minute
	_, ts, registry := newTestServerWithConfig(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.StartJanitor(ctx, 20*time.Millisecond)

	conn := dialVoice(t, ts, "")
	readUntil(t, conn, "greeting")
	waitForCount(t, registry, 1)

	// No pings are sent within the window and the client stays silent.
	waitForCount(t, registry, 0)
}
