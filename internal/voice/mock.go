package voice

import (
	"context"
	"errors"
	"io"
	"strings"
)

// MockRecognizer is a local stand-in used when no STT backend is configured.
// Every received chunk yields an interim "..." and every FinalEvery chunks,
// or the end of input, yields a final "simulated voice input".
type MockRecognizer struct {
	FinalEvery int
}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{FinalEvery: 8} }

func (r *MockRecognizer) Recognize(ctx context.Context, src ChunkSource, emit func(TranscriptEvent)) error {
	every := r.FinalEvery
	if every <= 0 {
		every = 8
	}
	pending := 0
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			if pending > 0 {
				emit(TranscriptEvent{Text: "simulated voice input", IsFinal: true})
			}
			return nil
		}
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		pending++
		emit(TranscriptEvent{Text: "..."})
		if pending >= every {
			emit(TranscriptEvent{Text: "simulated voice input", IsFinal: true})
			pending = 0
		}
	}
}

// MockSynthesizer returns the text bytes split into fixed-size chunks.
type MockSynthesizer struct {
	ChunkSize int
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{ChunkSize: 16} }

func (s *MockSynthesizer) ContentType() string { return "application/octet-stream" }

func (s *MockSynthesizer) Synthesize(_ context.Context, text string) (AudioStream, error) {
	size := s.ChunkSize
	if size <= 0 {
		size = 16
	}
	return &mockAudioStream{data: []byte(strings.TrimSpace(text)), size: size}, nil
}

type mockAudioStream struct {
	data []byte
	size int
	off  int
}

func (m *mockAudioStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.off >= len(m.data) {
		return nil, io.EOF
	}
	end := min(m.off+m.size, len(m.data))
	chunk := m.data[m.off:end]
	m.off = end
	return chunk, nil
}

func (m *mockAudioStream) Close() error { return nil }
