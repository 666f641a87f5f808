package voice

import "context"

// TranscriptEvent is one recognition result. Seq is assigned by the Bridge
// from the session counter; recognizers leave it zero.
type TranscriptEvent struct {
	Text    string
	IsFinal bool
	Seq     uint64
}

// ChunkSource yields coalesced inbound audio. Next returns io.EOF once the
// input has ended or the source was detached.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Recognizer transcribes audio pulled from src until src ends or ctx is done.
// Recognize blocks; emit must be called from the calling goroutine or be
// otherwise serialized.
type Recognizer interface {
	Recognize(ctx context.Context, src ChunkSource, emit func(TranscriptEvent)) error
}

// AudioStream yields synthesized audio chunks in order. Next returns io.EOF
// after the last chunk.
type AudioStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Synthesizer starts a lazy synthesis stream for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (AudioStream, error)
}

// ContentTyper is implemented by synthesizers that know their output format.
type ContentTyper interface {
	ContentType() string
}
