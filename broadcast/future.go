package broadcast

import (
	"context"
	"sync"

	"github.com/dma-graveyard/enav-network/future"
	"github.com/dma-graveyard/enav-network/wire"
)

// Recipient is one per-recipient acknowledgement of a BroadcastFuture's
// ack stream (spec.md §4.E "a stream of per-recipient Ack(recipientId,
// position) events").
type Recipient struct {
	Id       wire.MaritimeId
	Position *wire.PositionTime
}

// Future is the BroadcastFuture of spec.md §4.E: two milestones, the
// server's own receipt (ReceivedOnServer) and an open-ended stream of
// per-recipient acks, retained until the caller lets the Future itself
// be garbage collected (Manager tracks it in a weak-valued map keyed by
// broadcastId).
type Future struct {
	received *future.Future[struct{}]

	mu        sync.Mutex
	acks      []Recipient
	listeners []func(Recipient)
}

func newFuture() *Future {
	return &Future{received: future.New[struct{}]()}
}

// ReceivedOnServer blocks until the server acknowledges receipt
// (BroadcastSendAck) or ctx is done.
func (f *Future) ReceivedOnServer(ctx context.Context) error {
	_, err := f.received.Get(ctx)
	return err
}

// Acks returns a snapshot of every per-recipient ack observed so far.
func (f *Future) Acks() []Recipient {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Recipient, len(f.acks))
	copy(out, f.acks)
	return out
}

// OnAck registers a callback invoked for every ack from this point
// forward, in arrival order, including ones that arrive after this call
// (past acks are not replayed; use Acks for those).
func (f *Future) OnAck(fn func(Recipient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *Future) deliverAck(r Recipient) {
	f.mu.Lock()
	f.acks = append(f.acks, r)
	listeners := append([]func(Recipient){}, f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(r)
	}
}

// fail marks ReceivedOnServer as failed if it has not already resolved;
// the ack stream is simply abandoned (no more frames will arrive for a
// broadcastId the protocol has declared lost).
func (f *Future) fail(err error) {
	f.received.Fail(err)
}
