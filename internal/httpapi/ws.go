package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/shopvoice/internal/protocol"
	"github.com/ent0n29/shopvoice/internal/session"
	"github.com/ent0n29/shopvoice/internal/voice"
)

const (
	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
	defaultPingEvery = 20 * time.Second
)

// errClientGone ends the connection group when the client disconnects.
var errClientGone = errors.New("client disconnected")

// handleVoiceWS runs one session per connection: a reader feeding the
// controller, the controller itself, the single writer draining the outbox
// and a keepalive pinger.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.registry.Register(session.RegisterRequest{
		Parent:        r.Context(),
		RemoteAddr:    r.RemoteAddr,
		AudioEncoding: r.URL.Query().Get("audio"),
	})
	defer s.registry.Unregister(sess.ID)

	log := s.log.With(slog.String("session_id", sess.ID))
	s.metrics.SessionEvent("ws_connected")
	log.Info("voice session connected", slog.String("remote_addr", sess.RemoteAddr), slog.String("audio", sess.AudioEncoding))

	out := voice.NewOutbox(s.cfg.OutboxSize, s.metrics)
	deps := s.voice
	deps.Logger = s.log
	ctrl, err := voice.NewController(sess, out, deps, s.turn)
	if err != nil {
		log.Error("controller setup failed", slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"),
			time.Now().Add(closeGracePeriod))
		return
	}

	g, ctx := errgroup.WithContext(sess.Context())
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return s.writeLoop(ctx, conn, sess, out) })
	g.Go(func() error { return s.readLoop(ctx, conn, sess, ctrl) })
	g.Go(func() error { return s.pingLoop(ctx, conn) })

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errClientGone), errors.Is(err, voice.ErrSessionEnded):
		log.Info("voice session closed", slog.String("reason", closeReason(err)))
	default:
		log.Warn("voice session failed", slog.Any("error", err))
	}
	s.metrics.SessionEvent("ws_disconnected")
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "session_cancelled"
	case errors.Is(err, voice.ErrSessionEnded):
		return "stop_phrase"
	default:
		return "client_disconnected"
	}
}

// readLoop touches the session on every pong and inbound frame, so the
// inactivity janitor only reaps sessions whose transport has gone quiet.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, ctrl *voice.Controller) error {
	readTimeout := 3 * s.pingInterval()
	conn.SetReadLimit(s.readLimit())
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClientGone
			}
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		sess.Touch()

		switch msgType {
		case websocket.BinaryMessage:
			s.metrics.WSMessage("inbound", "audio")
			ctrl.PushAudio(data)
		case websocket.TextMessage:
			msg, err := protocol.ParseClientMessage(data)
			if err != nil {
				ctrl.RejectMessage(rejectCode(err), err)
				continue
			}
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.WSMessage("inbound", string(t))
			}
			if err := ctrl.Submit(ctx, msg); err != nil {
				return nil
			}
		}
	}
}

func rejectCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrEmptyText):
		return "empty_text"
	case errors.Is(err, protocol.ErrUnsupportedType):
		return "unsupported_type"
	default:
		return "invalid_client_message"
	}
}

// writeLoop is the only goroutine writing data frames. On shutdown it
// flushes queued events, skipping audio, then closes the connection so the
// reader unblocks.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, out *voice.Outbox) error {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			s.flush(conn, sess, out)
			return nil
		case msg := <-out.C():
			if err := s.writeMessage(conn, sess, out, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) flush(conn *websocket.Conn, sess *session.Session, out *voice.Outbox) {
	for {
		select {
		case msg := <-out.C():
			if _, isAudio := msg.(protocol.AudioOut); isAudio {
				continue
			}
			if err := s.writeMessage(conn, sess, out, msg); err != nil {
				return
			}
		default:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(closeGracePeriod))
			return
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, sess *session.Session, out *voice.Outbox, msg any) error {
	if !out.Deliverable(msg) {
		return nil
	}
	typ, _ := protocol.TypeOf(msg)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	var err error
	if chunk, ok := msg.(protocol.AudioOut); ok {
		if sess.AudioEncoding == "base64" {
			err = conn.WriteJSON(protocol.TTSChunk{
				Type:        protocol.TypeTTSChunk,
				SessionID:   chunk.SessionID,
				TurnID:      chunk.TurnID,
				Seq:         chunk.Seq,
				AudioBase64: base64.StdEncoding.EncodeToString(chunk.Data),
			})
		} else {
			err = conn.WriteMessage(websocket.BinaryMessage, chunk.Data)
		}
	} else {
		err = conn.WriteJSON(msg)
	}
	if err != nil {
		s.metrics.SessionEvent("ws_write_error")
		return fmt.Errorf("write %s: %w", typ, err)
	}
	s.metrics.WSMessage("outbound", string(typ))
	return nil
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: ping: %v", errClientGone, err)
			}
		}
	}
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.WSPingInterval > 0 {
		return s.cfg.WSPingInterval
	}
	return defaultPingEvery
}

func (s *Server) readLimit() int64 {
	if s.cfg.WSReadLimit > 0 {
		return s.cfg.WSReadLimit
	}
	return 1 << 20
}
