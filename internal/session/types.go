package session

import (
	"context"
	"time"
)

// TurnState is the controller state of a session.
type TurnState string

const (
	StateIdle       TurnState = "idle"
	StateListening  TurnState = "listening"
	StateResponding TurnState = "responding"
	StateSpeaking   TurnState = "speaking"
	StateCancelled  TurnState = "cancelled"
)

// RegisterRequest describes a new connection.
type RegisterRequest struct {
	// Parent scopes the session context. Defaults to context.Background().
	Parent        context.Context
	RemoteAddr    string
	AudioEncoding string
}

// Info is a point-in-time copy of a session for listing and hooks.
type Info struct {
	SessionID         string    `json:"session_id"`
	State             TurnState `json:"state"`
	RemoteAddr        string    `json:"remote_addr,omitempty"`
	AudioEncoding     string    `json:"audio_encoding"`
	ActiveTurnID      string    `json:"active_turn_id,omitempty"`
	TurnsCompleted    int       `json:"turns_completed"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}
