package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartListening MessageType = "start_listening"
	TypeStopListening  MessageType = "stop_listening"
	TypeTextInput      MessageType = "text_input"

	TypeGreeting         MessageType = "greeting"
	TypeListeningStarted MessageType = "listening_started"
	TypeListeningStopped MessageType = "listening_stopped"
	TypeTurnState        MessageType = "turn_state"
	TypeTranscript       MessageType = "transcript"
	TypeAgentResponse    MessageType = "agent_response"
	TypeTTSStart         MessageType = "tts_start"
	TypeTTSChunk         MessageType = "tts_chunk"
	TypeTTSComplete      MessageType = "tts_complete"
	TypeTTSError         MessageType = "tts_error"
	TypeError            MessageType = "error"
	TypeSessionEnd       MessageType = "session_end"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrEmptyText       = errors.New("text_input requires non-empty text")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Client -> server.

type StartListening struct {
	Type MessageType `json:"type"`
}

type StopListening struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// Server -> client.

type Greeting struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Message   string      `json:"message"`
}

type ListeningStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Message   string      `json:"message"`
}

type ListeningStopped struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type TurnState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	State     string      `json:"state"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       uint64      `json:"seq"`
	Text      string      `json:"text"`
	IsFinal   bool        `json:"is_final"`
	Forced    bool        `json:"forced,omitempty"`
}

type AgentResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
	UserInput string      `json:"user_input"`
	Action    string      `json:"action,omitempty"`
}

type TTSStart struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	TurnID        string      `json:"turn_id"`
	Text          string      `json:"text"`
	OriginalInput string      `json:"original_input"`
}

// TTSChunk carries synthesized audio inline for clients that cannot take
// binary frames.
type TTSChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
}

type TTSComplete struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	TurnID        string      `json:"turn_id"`
	ChunksSent    int         `json:"chunks_sent"`
	OriginalInput string      `json:"original_input"`
}

type TTSError struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	TurnID        string      `json:"turn_id"`
	Error         string      `json:"error"`
	ChunksSent    int         `json:"chunks_sent"`
	Truncated     bool        `json:"truncated"`
	OriginalInput string      `json:"original_input"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Kind      string      `json:"kind"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type SessionEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

// AudioOut is one synthesized chunk bound for the client. It is written as a
// binary frame, or as TTSChunk when the client asked for base64 audio.
type AudioOut struct {
	SessionID string
	TurnID    string
	TurnSeq   int64
	Seq       int
	Data      []byte
}

// ParseClientMessage decodes a text frame sent by the client.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStartListening:
		return StartListening{Type: env.Type}, nil
	case TypeStopListening:
		var msg StopListening
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTextInput:
		var msg TextInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, ErrEmptyText
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of an outbound or inbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case StartListening:
		return m.Type, true
	case StopListening:
		return m.Type, true
	case TextInput:
		return m.Type, true
	case Greeting:
		return m.Type, true
	case ListeningStarted:
		return m.Type, true
	case ListeningStopped:
		return m.Type, true
	case TurnState:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case AgentResponse:
		return m.Type, true
	case TTSStart:
		return m.Type, true
	case TTSChunk:
		return m.Type, true
	case TTSComplete:
		return m.Type, true
	case TTSError:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case SessionEnd:
		return m.Type, true
	case AudioOut:
		return TypeTTSChunk, true
	default:
		return "", false
	}
}
