package voice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// Streamer forwards synthesized audio chunk by chunk.
type Streamer struct {
	synth Synthesizer
}

// NewStreamer streams audio from synth.
func NewStreamer(synth Synthesizer) *Streamer {
	return &Streamer{synth: synth}
}

// ContentType reports the synthesizer's audio format when known.
func (s *Streamer) ContentType() string {
	if ct, ok := s.synth.(ContentTyper); ok {
		return ct.ContentType()
	}
	return "application/octet-stream"
}

// Stream synthesizes text and calls send for each chunk in order. Chunks are
// pulled lazily, so a cancelled ctx or a send error stops synthesis. It
// returns the number of chunks sent. Blank text sends nothing.
//
// A synthesis failure is returned as *Error with Kind synthesis and
// ChunksSent set; chunks already sent are not retracted.
func (s *Streamer) Stream(ctx context.Context, text string, send func([]byte) error) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	stream, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &Error{Kind: KindSynthesis, Code: "synthesis_start_failed", Err: err}
	}
	defer stream.Close()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			return sent, &Error{Kind: KindSynthesis, Code: "synthesis_stream_failed", Err: err, ChunksSent: sent}
		}
		if len(chunk) == 0 {
			continue
		}
		if err := send(chunk); err != nil {
			return sent, err
		}
		sent++
	}
}

// Collect synthesizes text into a single buffer.
func (s *Streamer) Collect(ctx context.Context, text string) ([]byte, int, error) {
	var buf bytes.Buffer
	n, err := s.Stream(ctx, text, func(chunk []byte) error {
		_, werr := buf.Write(chunk)
		return werr
	})
	if err != nil {
		return nil, n, err
	}
	return buf.Bytes(), n, nil
}
