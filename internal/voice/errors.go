package voice

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to clients.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindRecognition ErrorKind = "recognition"
	KindResponse    ErrorKind = "response_generation"
	KindSynthesis   ErrorKind = "synthesis"
	KindProtocol    ErrorKind = "protocol"
)

var (
	// ErrSessionEnded is returned by Controller.Run after a stop phrase turn.
	ErrSessionEnded = errors.New("session ended by stop phrase")
	ErrTurnInFlight = errors.New("a turn is already in progress")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind       ErrorKind
	Code       string
	Err        error
	Retryable  bool
	ChunksSent int
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// classify wraps err with kind unless it is already classified or a
// cancellation.
func classify(kind ErrorKind, code string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{Kind: kind, Code: code, Err: err, Retryable: kind == KindRecognition || errors.Is(err, context.DeadlineExceeded)}
}
