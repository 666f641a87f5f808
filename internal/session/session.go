package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/shopvoice/internal/audio"
)

// Session is the per-connection state owned by a Registry. Controllers hold
// a non-owning pointer; only the Registry ends a session.
type Session struct {
	ID            string
	RemoteAddr    string
	AudioEncoding string
	StartedAt     time.Time

	ctx           context.Context
	cancel        context.CancelFunc
	transcriptSeq atomic.Uint64

	mu            sync.Mutex
	state         TurnState
	buffer        *audio.IngestBuffer
	lastActivity  time.Time
	activeTurnID  string
	turns         int
	interruptions int
	closed        bool
}

// Context is cancelled when the session is unregistered.
func (s *Session) Context() context.Context { return s.ctx }

// Buffer returns the current ingest buffer.
func (s *Session) Buffer() *audio.IngestBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// PushAudio appends an inbound frame to the current buffer and refreshes
// activity. It reports false once the session is closed.
func (s *Session) PushAudio(frame []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	buf := s.buffer
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
	buf.Push(frame)
	return true
}

// ResetBuffer closes the current buffer and installs a fresh one. It returns
// nil when the session is already closed.
func (s *Session) ResetBuffer() *audio.IngestBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.Close()
	if s.closed {
		return nil
	}
	s.buffer = audio.NewIngestBuffer()
	return s.buffer
}

func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState stores the controller state and returns the previous one.
func (s *Session) SetState(state TurnState) TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = state
	return prev
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// NextTranscriptSeq returns the next per-session transcript sequence number.
func (s *Session) NextTranscriptSeq() uint64 {
	return s.transcriptSeq.Add(1)
}

func (s *Session) StartTurn(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTurnID = turnID
	s.lastActivity = time.Now().UTC()
}

// EndTurn clears the active turn and counts it as completed or interrupted.
func (s *Session) EndTurn(interrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTurnID == "" {
		return
	}
	s.activeTurnID = ""
	if interrupted {
		s.interruptions++
	} else {
		s.turns++
	}
	s.lastActivity = time.Now().UTC()
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:         s.ID,
		State:             s.state,
		RemoteAddr:        s.RemoteAddr,
		AudioEncoding:     s.AudioEncoding,
		ActiveTurnID:      s.activeTurnID,
		TurnsCompleted:    s.turns,
		InterruptionCount: s.interruptions,
		StartedAt:         s.StartedAt,
		LastActivityAt:    s.lastActivity,
	}
}

// close cancels the session and closes its buffer. It reports whether this
// call performed the close.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	buf := s.buffer
	s.mu.Unlock()

	s.cancel()
	buf.Close()
	return true
}
