package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/shopvoice/internal/config"
	"github.com/ent0n29/shopvoice/internal/observability"
	"github.com/ent0n29/shopvoice/internal/session"
	"github.com/ent0n29/shopvoice/internal/voice"
)

type Server struct {
	cfg      config.Config
	registry *session.Registry
	voice    voice.Deps
	turn     voice.ControllerConfig
	metrics  *observability.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(cfg config.Config, registry *session.Registry, deps voice.Deps, turn voice.ControllerConfig) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		voice:    deps,
		turn:     turn,
		metrics:  deps.Metrics,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				if _, ok := allowed[strings.ToLower(origin)]; ok {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// SetDraining makes /readyz report unavailable so load balancers stop routing
// new connections during shutdown.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/sessions", s.handleListSessions)
	r.Delete("/v1/sessions/{id}", s.handleEndSession)
	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Post("/v1/voice/tts/preview", s.handlePreviewTTS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"voice_provider": s.cfg.VoiceProvider,
		"responder_mode": s.cfg.ResponderMode,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"active":   len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if !s.registry.Unregister(id) {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	s.metrics.SessionEvent("ended_by_api")
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ended"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const maxJSONBody = 64 << 10

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
