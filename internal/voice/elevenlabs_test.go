package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestElevenLabsSynthesizerStreamsAudio(t *testing.T) {
	audio := strings.Repeat("ID3-mp3-frames-", 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1/stream" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "mp3_44100_128" {
			t.Errorf("output_format = %q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "key-1" {
			t.Errorf("xi-api-key = %q", got)
		}
		var body struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Text != "Our sneakers are on sale." || body.ModelID != "eleven_multilingual_v2" {
			t.Errorf("body = %+v", body)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, audio)
	}))
	defer srv.Close()

	synth := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "key-1", BaseURL: srv.URL, VoiceID: "voice-1", ReadChunkBytes: 64})
	s := NewStreamer(synth)
	if got := s.ContentType(); got != "audio/mpeg" {
		t.Fatalf("ContentType() = %q", got)
	}
	data, n, err := s.Collect(context.Background(), "Our sneakers are on sale.")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if string(data) != audio || n < 1 {
		t.Fatalf("Collect() = %d bytes in %d chunks", len(data), n)
	}
}

func TestElevenLabsSynthesizerClassifiesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	synth := NewElevenLabsSynthesizer(ElevenLabsConfig{BaseURL: srv.URL, VoiceID: "v"})
	_, err := synth.Synthesize(context.Background(), "hi")
	var ve *Error
	if !errors.As(err, &ve) {
		t.Fatalf("Synthesize() error = %v, want *Error", err)
	}
	if ve.Code != "tts_http_429" || !ve.Retryable || ve.Kind != KindSynthesis {
		t.Fatalf("error = %+v", ve)
	}

	if _, err := NewElevenLabsSynthesizer(ElevenLabsConfig{BaseURL: srv.URL}).Synthesize(context.Background(), "hi"); err == nil {
		t.Fatalf("Synthesize() without voice id error = nil")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestElevenLabsRecognizerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/speech-to-text/realtime" || r.URL.Query().Get("model_id") != "scribe_v1" {
			t.Errorf("url = %s", r.URL)
		}
		if r.Header.Get("xi-api-key") != "key-2" {
			t.Errorf("missing api key header")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]string{"message_type": "session_started"})
		for {
			var msg struct {
				MessageType string `json:"message_type"`
				Audio       string `json:"audio_base_64"`
				Commit      bool   `json:"commit"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Commit {
				_ = conn.WriteJSON(map[string]string{"message_type": "committed_transcript", "text": "do you have hats"})
				continue
			}
			if msg.Audio != "" {
				_ = conn.WriteJSON(map[string]string{"message_type": "partial_transcript", "text": "do you"})
			}
		}
	}))
	defer srv.Close()

	rec := NewElevenLabsRecognizer(ElevenLabsConfig{APIKey: "key-2", WSBaseURL: wsURL(srv), CommitTimeout: 500 * time.Millisecond})
	src := &sliceSource{chunks: [][]byte{{0x01, 0x02}}}
	var events []TranscriptEvent
	err := rec.Recognize(context.Background(), src, func(ev TranscriptEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("no transcript events")
	}
	last := events[len(events)-1]
	if !last.IsFinal || last.Text != "do you have hats" {
		t.Fatalf("last event = %+v, want committed transcript", last)
	}
}

func TestElevenLabsRecognizerReportsStreamError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]string{"message_type": "rate_limited", "error": "too many sessions"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	rec := NewElevenLabsRecognizer(ElevenLabsConfig{WSBaseURL: wsURL(srv)})
	blocking := funcSource(func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	err := rec.Recognize(context.Background(), blocking, func(TranscriptEvent) {})
	var ve *Error
	if !errors.As(err, &ve) {
		t.Fatalf("Recognize() error = %v, want *Error", err)
	}
	if ve.Kind != KindRecognition || ve.Code != "rate_limited" || !ve.Retryable {
		t.Fatalf("error = %+v", ve)
	}
}

type funcSource func(ctx context.Context) ([]byte, error)

func (f funcSource) Next(ctx context.Context) ([]byte, error) { return f(ctx) }
