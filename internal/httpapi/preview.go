package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/shopvoice/internal/audio"
	"github.com/ent0n29/shopvoice/internal/policy"
	"github.com/ent0n29/shopvoice/internal/voice"
)

const (
	previewTimeout  = 20 * time.Second
	maxPreviewChars = 600
)

type previewTTSRequest struct {
	Text string `json:"text"`
}

// handlePreviewTTS synthesizes a short text through the same Streamer the
// sessions use and returns the whole clip. Raw PCM is wrapped as WAV.
func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.voice.Streamer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech synthesis not configured")
		return
	}

	var req previewTTSRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	if len(text) > maxPreviewChars {
		respondError(w, http.StatusBadRequest, "text_too_long", "text must be at most "+strconv.Itoa(maxPreviewChars)+" characters")
		return
	}

	ctx, cancel := withTimeout(r.Context(), previewTimeout)
	defer cancel()

	start := time.Now()
	clip, chunks, err := s.voice.Streamer.Collect(ctx, text)
	if err != nil {
		s.metrics.ProviderError(string(voice.KindSynthesis), "preview_failed")
		s.log.Warn("tts preview failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "tts_preview_failed", policy.ClientMessage(err.Error()))
		return
	}
	s.metrics.ObserveStage("preview", time.Since(start))

	contentType := s.voice.Streamer.ContentType()
	if contentType == "audio/L16" {
		rate, _ := pcmSampleRate(s.cfg.ElevenLabsTTSOutputFormat)
		wav, err := audio.EncodeWAVPCM16LE(clip, rate)
		if err != nil {
			respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
			return
		}
		clip = wav
		contentType = "audio/wav"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Audio-Chunks", strconv.Itoa(chunks))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip)
}

// pcmSampleRate reads the rate from an output format such as "pcm_16000".
func pcmSampleRate(format string) (int, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	idx := strings.Index(f, "pcm_")
	if idx < 0 {
		return 16000, false
	}
	rest := f[idx+len("pcm_"):]
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	sr, err := strconv.Atoi(rest[:n])
	if err != nil || sr <= 0 {
		return 16000, true
	}
	return sr, true
}
