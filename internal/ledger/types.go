package ledger

import (
	"context"
	"time"
)

// Outcome values recorded for a turn.
const (
	OutcomeCompleted      = "completed"
	OutcomeEmptyResponse  = "empty_response"
	OutcomeResponseFailed = "response_failed"
	OutcomeSynthesisError = "synthesis_failed"
	OutcomeCancelled      = "cancelled"
)

// TurnRecord is the outcome of one listen/respond/speak cycle. It carries
// timings and counts only; transcript and response text are never stored.
type TurnRecord struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	TurnSeq     int64         `json:"turn_seq"`
	Source      string        `json:"source"`
	Outcome     string        `json:"outcome"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	EndSession  bool          `json:"end_session"`
	Forced      bool          `json:"forced"`
	InputChars  int           `json:"input_chars"`
	ChunksSent  int           `json:"chunks_sent"`
	RespondTime time.Duration `json:"respond_ms"`
	SpeakTime   time.Duration `json:"speak_ms"`
	TotalTime   time.Duration `json:"total_ms"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Store persists turn records.
type Store interface {
	RecordTurn(ctx context.Context, record TurnRecord) error
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
