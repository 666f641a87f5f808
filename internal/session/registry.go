package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/shopvoice/internal/audio"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Registry owns the live sessions.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onUnregister      []func(Info)
}

// NewRegistry returns an empty registry. Sessions idle for inactivityTimeout
// are reaped once StartJanitor runs; zero means two minutes.
func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

// OnUnregister adds a hook run after a session is removed, outside the lock.
func (r *Registry) OnUnregister(hook func(Info)) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = append(r.onUnregister, hook)
}

// Register creates session state. It starts no goroutines.
func (r *Registry) Register(req RegisterRequest) *Session {
	parent := req.Parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	enc := strings.ToLower(strings.TrimSpace(req.AudioEncoding))
	if enc != "base64" {
		enc = "binary"
	}
	now := time.Now().UTC()
	s := &Session{
		ID:            uuid.NewString(),
		RemoteAddr:    req.RemoteAddr,
		AudioEncoding: enc,
		StartedAt:     now,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateIdle,
		buffer:        audio.NewIngestBuffer(),
		lastActivity:  now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Unregister cancels the session, closes its buffer and drops the mapping.
// It is idempotent and reports whether the session was removed by this call.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	hooks := r.onUnregister
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.close()
	info := s.Info()
	for _, hook := range hooks {
		hook(info)
	}
	return true
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll unregisters every session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Unregister(id)
	}
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []string

	r.mu.RLock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) >= r.inactivityTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Unregister(id)
	}
}
