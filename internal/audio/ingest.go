package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrDrained is returned by NextChunk once end-of-stream has already been reported.
var ErrDrained = errors.New("ingest buffer already drained")

// IngestBuffer queues inbound audio frames and hands them to a single consumer
// as coalesced chunks. Push never blocks; NextChunk blocks until data or close.
type IngestBuffer struct {
	mu       sync.Mutex
	frames   [][]byte
	size     int
	closed   bool
	eofSent  bool
	pushed   uint64
	ready    chan struct{}
	closedCh chan struct{}
}

// NewIngestBuffer returns an open, empty buffer.
func NewIngestBuffer() *IngestBuffer {
	return &IngestBuffer{
		ready:    make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends frame to the pending queue. Frames must not be mutated after
// Push. Pushing to a closed buffer is a no-op.
func (b *IngestBuffer) Push(frame []byte) {
	if len(frame) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.frames = append(b.frames, frame)
	b.size += len(frame)
	b.pushed++
	b.notifyLocked()
}

// Close marks end-of-stream. Frames already queued are still delivered.
func (b *IngestBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.closedCh)
	b.notifyLocked()
}

// Closed reports whether Close has been called.
func (b *IngestBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Done is closed when the buffer is closed.
func (b *IngestBuffer) Done() <-chan struct{} { return b.closedCh }

// Pending returns the number of queued bytes not yet handed out.
func (b *IngestBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Pushed returns the number of frames accepted since creation.
func (b *IngestBuffer) Pushed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed
}

// NextChunk waits for at least one frame, then drains every queued frame
// without further waiting and returns their concatenation. It returns io.EOF
// exactly once after the buffer is closed and empty, ErrDrained afterwards,
// and ctx.Err() if ctx ends first (nothing is consumed in that case).
func (b *IngestBuffer) NextChunk(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		if len(b.frames) > 0 || b.closed {
			chunk, err := b.drainLocked()
			b.mu.Unlock()
			return chunk, err
		}
		b.mu.Unlock()

		// ready is only signalled after a push or close and is cleared on
		// every drain, so with one consumer this wait happens at most once.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.ready:
		}
	}
}

func (b *IngestBuffer) drainLocked() ([]byte, error) {
	select {
	case <-b.ready:
	default:
	}
	if len(b.frames) == 0 {
		if b.eofSent {
			return nil, ErrDrained
		}
		b.eofSent = true
		return nil, io.EOF
	}
	var chunk []byte
	if len(b.frames) == 1 {
		chunk = b.frames[0]
	} else {
		chunk = make([]byte, 0, b.size)
		for _, f := range b.frames {
			chunk = append(chunk, f...)
		}
	}
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.frames = b.frames[:0]
	b.size = 0
	return chunk, nil
}

func (b *IngestBuffer) notifyLocked() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
