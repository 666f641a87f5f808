package voice

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/shopvoice/internal/observability"
	"github.com/ent0n29/shopvoice/internal/protocol"
)

// Outbox is the ordered queue between a session's producers and its single
// connection writer. Audio of a dropped turn is discarded at dequeue time.
type Outbox struct {
	ch      chan any
	metrics *observability.Metrics

	mu      sync.Mutex
	dropped map[int64]struct{}
}

// NewOutbox returns an outbox holding up to size messages (256 when size is
// not positive).
func NewOutbox(size int, metrics *observability.Metrics) *Outbox {
	if size <= 0 {
		size = 256
	}
	return &Outbox{
		ch:      make(chan any, size),
		metrics: metrics,
		dropped: make(map[int64]struct{}),
	}
}

// C is read by the connection writer.
func (o *Outbox) C() <-chan any { return o.ch }

// Push enqueues msg, blocking until there is room or ctx is done.
func (o *Outbox) Push(ctx context.Context, msg any) error {
	select {
	case o.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushTimeout enqueues msg, waiting at most timeout. It reports whether msg
// was queued.
func (o *Outbox) PushTimeout(msg any, timeout time.Duration) bool {
	select {
	case o.ch <- msg:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case o.ch <- msg:
		return true
	case <-t.C:
		o.metrics.SessionEvent("outbound_drop")
		return false
	}
}

// Offer enqueues msg only if there is room right now.
func (o *Outbox) Offer(msg any) bool {
	select {
	case o.ch <- msg:
		return true
	default:
		o.metrics.SessionEvent("outbound_drop")
		return false
	}
}

// DropTurn marks every queued and future audio chunk of turnSeq as discarded.
func (o *Outbox) DropTurn(turnSeq int64) {
	o.mu.Lock()
	o.dropped[turnSeq] = struct{}{}
	o.mu.Unlock()
}

// Deliverable reports whether the writer should send msg.
func (o *Outbox) Deliverable(msg any) bool {
	out, ok := msg.(protocol.AudioOut)
	if !ok {
		return true
	}
	o.mu.Lock()
	_, dropped := o.dropped[out.TurnSeq]
	o.mu.Unlock()
	if dropped {
		o.metrics.AudioDropped()
	}
	return !dropped
}
