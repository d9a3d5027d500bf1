package conn

import "github.com/dma-graveyard/enav-network/wire"

// bus is the MessageBus of spec.md §4.B: a static registry keyed by
// wire.MessageType, dispatched in arrival order on the single goroutine
// that drains Protocol.events. It only carries the "client-to-client"
// kinds (InvokeService, InvokeServiceAck, BroadcastDeliver,
// BroadcastSendAck, BroadcastAck) — Welcome/Hello/Connected/Bye/Ping and
// ServerResponse are handled directly by Protocol because they drive its
// own state machine and PendingRequests table, not an application
// subscriber.
type bus struct {
	subs map[wire.MessageType][]subscription
	next int
}

type subscription struct {
	id      int
	handler func(wire.Message)
}

// Subscription is the handle returned by Subscribe; pass it to
// Unsubscribe to stop receiving dispatches.
type Subscription struct {
	typ wire.MessageType
	id  int
}

func newBus() *bus {
	return &bus{subs: make(map[wire.MessageType][]subscription)}
}

// subscribe registers handler for every message of type t, run in
// registration order. Handlers are invoked on the protocol's single
// dispatch goroutine, so a slow handler delays subsequent frames; callers
// needing to do real work hand off to a worker pool themselves (spec.md
// §4.D/§4.E).
func (b *bus) subscribe(t wire.MessageType, handler func(wire.Message)) Subscription {
	b.next++
	id := b.next
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	return Subscription{typ: t, id: id}
}

func (b *bus) unsubscribe(sub Subscription) {
	list := b.subs[sub.typ]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// dispatch runs every handler subscribed to msg's type, in registration
// order. A handler panic is recovered, logged, and dispatch continues —
// spec.md §4.B: "If a handler fails, the error is logged and dispatch
// continues; the frame is not retried."
func (b *bus) dispatch(msg wire.Message, log Logger) {
	for _, s := range b.subs[msg.Type()] {
		b.runOne(s, msg, log)
	}
}

func (b *bus) runOne(s subscription, msg wire.Message, log Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("conn: bus subscriber for %s panicked: %v", msg.Type(), r)
		}
	}()
	s.handler(msg)
}
