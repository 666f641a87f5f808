package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/shopvoice/internal/observability"
	"github.com/ent0n29/shopvoice/internal/reliability"
	"github.com/gorilla/websocket"
)

type ElevenLabsConfig struct {
	APIKey    string
	BaseURL   string
	WSBaseURL string

	STTModelID    string
	STTSampleRate int
	// CommitTimeout bounds the wait for a committed transcript after input ends.
	CommitTimeout time.Duration

	VoiceID         string
	TTSModelID      string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Speed           float64
	ReadChunkBytes  int
}

func (c ElevenLabsConfig) withDefaults() ElevenLabsConfig {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(c.WSBaseURL) == "" {
		c.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(c.STTModelID) == "" {
		c.STTModelID = "scribe_v1"
	}
	if c.STTSampleRate <= 0 {
		c.STTSampleRate = 16000
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 3 * time.Second
	}
	if strings.TrimSpace(c.TTSModelID) == "" {
		c.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(c.OutputFormat) == "" {
		c.OutputFormat = "mp3_44100_128"
	}
	if c.Stability <= 0 {
		c.Stability = 0.42
	}
	c.Stability = clampFloat(c.Stability, 0, 1)
	if c.SimilarityBoost <= 0 {
		c.SimilarityBoost = 0.85
	}
	c.SimilarityBoost = clampFloat(c.SimilarityBoost, 0, 1)
	if c.Speed <= 0 {
		c.Speed = 1.0
	}
	c.Speed = clampFloat(c.Speed, 0.7, 1.2)
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = 4096
	}
	return c
}

// ElevenLabsRecognizer streams audio to the ElevenLabs realtime STT websocket.
type ElevenLabsRecognizer struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsRecognizer(cfg ElevenLabsConfig) *ElevenLabsRecognizer {
	return &ElevenLabsRecognizer{cfg: cfg.withDefaults(), dialer: websocket.DefaultDialer}
}

type sttMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

func (r *ElevenLabsRecognizer) Recognize(ctx context.Context, src ChunkSource, emit func(TranscriptEvent)) error {
	u, err := url.Parse(strings.TrimRight(r.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("model_id", r.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", r.cfg.APIKey)

	conn, _, err := r.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return &Error{Kind: KindRecognition, Code: "stt_connect_failed", Err: err, Retryable: true}
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan sttMessage, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var m sttMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	inputDone := make(chan struct{})
	pumpErr := make(chan error, 1)
	go func() {
		if err := r.pump(ctx, conn, src); err != nil {
			pumpErr <- err
			return
		}
		close(inputDone)
	}()

	var commitTimer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pumpErr:
			return err
		case <-inputDone:
			inputDone = nil
			t := time.NewTimer(r.cfg.CommitTimeout)
			defer t.Stop()
			commitTimer = t.C
		case <-commitTimer:
			return nil
		case m, ok := <-msgs:
			if !ok {
				err := <-readErr
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if inputDone == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return &Error{Kind: KindRecognition, Code: "stt_connection_lost", Err: err, Retryable: true}
			}
			switch m.MessageType {
			case "partial_transcript":
				emit(TranscriptEvent{Text: m.Text})
			case "committed_transcript", "committed_transcript_with_timestamps":
				emit(TranscriptEvent{Text: m.Text, IsFinal: true})
				if inputDone == nil {
					return nil
				}
			case "", "session_started", "input_audio_chunk":
			default:
				return &Error{
					Kind:      KindRecognition,
					Code:      m.MessageType,
					Err:       errors.New(m.Error),
					Retryable: reliability.IsRetryableRealtimeMessageType(m.MessageType),
				}
			}
		}
	}
}

// pump forwards audio chunks and sends a commit once the source ends.
func (r *ElevenLabsRecognizer) pump(ctx context.Context, conn *websocket.Conn, src ChunkSource) error {
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return conn.WriteJSON(map[string]any{
				"message_type":  "input_audio_chunk",
				"audio_base_64": "",
				"commit":        true,
				"sample_rate":   r.cfg.STTSampleRate,
			})
		}
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(map[string]any{
			"message_type":  "input_audio_chunk",
			"audio_base_64": base64.StdEncoding.EncodeToString(chunk),
			"commit":        false,
			"sample_rate":   r.cfg.STTSampleRate,
		}); err != nil {
			return &Error{Kind: KindRecognition, Code: "stt_write_failed", Err: err, Retryable: true}
		}
	}
}

// ElevenLabsSynthesizer streams speech from the ElevenLabs HTTP streaming
// endpoint.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	return &ElevenLabsSynthesizer{cfg: cfg.withDefaults(), client: observability.HTTPClient(0)}
}

func (s *ElevenLabsSynthesizer) ContentType() string {
	switch {
	case strings.HasPrefix(s.cfg.OutputFormat, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(s.cfg.OutputFormat, "pcm"):
		return "audio/L16"
	case strings.HasPrefix(s.cfg.OutputFormat, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (AudioStream, error) {
	if strings.TrimSpace(s.cfg.VoiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	u, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("output_format", s.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": s.cfg.TTSModelID,
		"voice_settings": map[string]any{
			"stability":        s.cfg.Stability,
			"similarity_boost": s.cfg.SimilarityBoost,
			"speed":            s.cfg.Speed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", s.ContentType())

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		res.Body.Close()
		return nil, &Error{
			Kind:      KindSynthesis,
			Code:      "tts_http_" + strconv.Itoa(res.StatusCode),
			Err:       fmt.Errorf("elevenlabs tts status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}
	return &httpAudioStream{body: res.Body, size: s.cfg.ReadChunkBytes}, nil
}

type httpAudioStream struct {
	body      io.ReadCloser
	size      int
	closeOnce sync.Once
}

func (h *httpAudioStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, h.size)
	n, err := io.ReadAtLeast(h.body, buf, 1)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, err
}

func (h *httpAudioStream) Close() error {
	var err error
	h.closeOnce.Do(func() { err = h.body.Close() })
	return err
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
