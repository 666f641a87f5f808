package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/shopvoice/internal/audio"
)

// BridgeEvent is either a transcript or the single terminal marker.
type BridgeEvent struct {
	Transcript TranscriptEvent
	Terminal   bool
	// Err is set on a terminal event when recognition failed.
	Err error
}

// Bridge runs a blocking Recognizer on its own goroutine and republishes its
// events, in order, on a channel.
type Bridge struct {
	events chan BridgeEvent
	done   chan struct{}
	quit   chan struct{}

	endInput context.CancelFunc
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu       sync.Mutex
	finished bool
}

// SeqFunc returns the next per-session transcript sequence number.
type SeqFunc func() uint64

// StartBridge starts recognition over buf. The buffer is read, never closed.
func StartBridge(ctx context.Context, rec Recognizer, buf *audio.IngestBuffer, nextSeq SeqFunc) *Bridge {
	runCtx, cancel := context.WithCancel(ctx)
	srcCtx, endInput := context.WithCancel(runCtx)
	b := &Bridge{
		events:   make(chan BridgeEvent, 64),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		endInput: endInput,
		cancel:   cancel,
	}
	src := &bufferSource{buf: buf, detach: srcCtx}

	go func() {
		defer close(b.done)
		defer cancel()
		err := b.run(runCtx, rec, src, nextSeq)
		b.finish(err)
	}()
	return b
}

// Events is closed after the terminal event.
func (b *Bridge) Events() <-chan BridgeEvent { return b.events }

// EndInput makes the source report end of input. The recognizer may still
// emit a final event before the terminal marker.
func (b *Bridge) EndInput() { b.endInput() }

// Stop ends input, cancels recognition and stops delivery. Events not yet
// consumed may still be buffered but nothing new is sent.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		b.endInput()
		b.cancel()
	})
}

// Wait blocks until the worker exits or timeout passes. It reports whether
// the worker exited.
func (b *Bridge) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-b.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-b.done:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed when the worker exits.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) run(ctx context.Context, rec Recognizer, src ChunkSource, nextSeq SeqFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: KindRecognition, Code: "recognizer_panic", Err: fmt.Errorf("panic: %v", r), Retryable: true}
		}
	}()
	err = rec.Recognize(ctx, src, func(ev TranscriptEvent) {
		if nextSeq != nil {
			ev.Seq = nextSeq()
		}
		b.deliver(BridgeEvent{Transcript: ev})
		if ev.IsFinal && strings.TrimSpace(ev.Text) != "" {
			// A completed utterance ends this bridge; later frames stay
			// queued for the next one.
			b.endInput()
		}
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Cancelled by Stop or the owner; not a recognition failure.
		return nil
	}
	return classify(KindRecognition, "recognizer_failed", err)
}

func (b *Bridge) deliver(ev BridgeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	select {
	case b.events <- ev:
	case <-b.quit:
	}
}

func (b *Bridge) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	select {
	case b.events <- BridgeEvent{Terminal: true, Err: err}:
	case <-b.quit:
	}
	close(b.events)
}

// bufferSource adapts an IngestBuffer to ChunkSource. Cancelling detach ends
// the input without closing the buffer, so frames stay queued for the next
// bridge.
type bufferSource struct {
	buf    *audio.IngestBuffer
	detach context.Context
}

func (s *bufferSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	waitCtx := s.detach
	if ctx.Done() != nil {
		merged, cancel := context.WithCancel(s.detach)
		defer cancel()
		unlink := context.AfterFunc(ctx, cancel)
		defer unlink()
		waitCtx = merged
	}

	chunk, err := s.buf.NextChunk(waitCtx)
	switch {
	case err == nil:
		return chunk, nil
	case errors.Is(err, io.EOF), errors.Is(err, audio.ErrDrained):
		return nil, io.EOF
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case s.detach.Err() != nil:
		return nil, io.EOF
	default:
		return nil, err
	}
}
