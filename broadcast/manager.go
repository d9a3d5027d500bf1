// Package broadcast implements spec.md §4.E's BroadcastManager:
// geo-scoped fan-out send/receive over the same ConnectionProtocol
// serviceInvoke shares. Grounded on the channel-indexed subscriber map
// and per-recipient send shape of pack file
// other_examples/c337f856_adred-codev-ws_poc__ws-internal-shared-broadcast.go.go,
// restructured for a client: fan-in of acks rather than fan-out of
// sends, with that file's server-side backpressure/replay-buffer
// concerns dropped as out of this client's scope.
package broadcast

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"golang.org/x/time/rate"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/internal/strictjson"
	"github.com/dma-graveyard/enav-network/transport"
	"github.com/dma-graveyard/enav-network/wire"
	"github.com/dma-graveyard/enav-network/workerpool"
)

// Header carries the sender metadata delivered alongside every broadcast
// payload (spec.md §4.E "(header, payload)").
type Header struct {
	Src      wire.MaritimeId
	Position *wire.PositionTime
}

type rawListener struct {
	id int
	fn func(Header, []byte)
}

// Subscription is the handle ListenFor returns; Unsubscribe is
// idempotent (spec.md §4.E "listenFor ... Unsubscribe removes;
// idempotent").
type Subscription struct {
	channel string
	id      int
	m       *Manager
}

// Unsubscribe removes this listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() { s.m.unsubscribe(s.channel, s.id) }

// Manager is spec.md §4.E's BroadcastManager.
type Manager struct {
	p                *conn.Protocol
	pool             *workerpool.Pool
	clientID         wire.MaritimeId
	positionSupplier func() (wire.PositionTime, bool)
	defaultOptions   wire.BroadcastOptions
	limiter          *rate.Limiter
	logger           conn.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[string][]rawListener
	pending   map[string]weak.Pointer[Future]
}

// NewManager builds a Manager bound to p. limiter, if non-nil, caps the
// rate of outbound SendBroadcast calls (golang.org/x/time/rate); nil
// means unlimited. If logger is nil, a conn.NopLogger is used.
func NewManager(p *conn.Protocol, pool *workerpool.Pool, clientID wire.MaritimeId, positionSupplier func() (wire.PositionTime, bool), defaultOptions wire.BroadcastOptions, limiter *rate.Limiter, logger conn.Logger) *Manager {
	if logger == nil {
		logger = conn.NopLogger{}
	}
	m := &Manager{
		p:                p,
		pool:             pool,
		clientID:         clientID,
		positionSupplier: positionSupplier,
		defaultOptions:   defaultOptions,
		limiter:          limiter,
		logger:           logger,
		listeners:        make(map[string][]rawListener),
		pending:          make(map[string]weak.Pointer[Future]),
	}
	p.Subscribe(wire.TypeBroadcastSendAck, m.onSendAck)
	p.Subscribe(wire.TypeBroadcastAck, m.onAck)
	p.Subscribe(wire.TypeBroadcastDeliver, m.onDeliver)
	p.OnFault(m.onFault)
	return m
}

func (m *Manager) subscribe(channel string, fn func(Header, []byte)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	old := m.listeners[channel]
	next := make([]rawListener, len(old), len(old)+1)
	copy(next, old)
	next = append(next, rawListener{id: id, fn: fn})
	m.listeners[channel] = next
	return &Subscription{channel: channel, id: id, m: m}
}

func (m *Manager) unsubscribe(channel string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.listeners[channel]
	if !ok {
		return
	}
	next := make([]rawListener, 0, len(old))
	for _, l := range old {
		if l.id != id {
			next = append(next, l)
		}
	}
	if len(next) == 0 {
		delete(m.listeners, channel)
	} else {
		m.listeners[channel] = next
	}
}

// onDeliver dispatches an inbound BroadcastDeliver to every subscriber
// of its channel on a pool worker (spec.md §4.E). Deserialization of the
// payload into a listener's typed form happens inside the listener
// itself (ListenFor's wrapper), not here.
func (m *Manager) onDeliver(msg wire.Message) {
	d := msg.(*wire.BroadcastDeliver)
	m.mu.Lock()
	listeners := m.listeners[d.Channel]
	m.mu.Unlock()
	header := Header{Src: d.Src, Position: d.Position}
	for _, l := range listeners {
		fn := l.fn
		m.pool.Spawn(func() { fn(header, d.Payload) })
	}
}

// onSendAck completes a BroadcastFuture's first milestone and untracks
// the original BroadcastSend from conn.Protocol's replay set — the
// server has it, so it must not be retransmitted on a future reconnect.
func (m *Manager) onSendAck(msg wire.Message) {
	ack := msg.(*wire.BroadcastSendAck)
	m.p.Untrack(ack.BroadcastId)
	if fut := m.lookup(ack.BroadcastId); fut != nil {
		fut.received.Complete(struct{}{})
	}
}

// onAck feeds one per-recipient ack into the matching BroadcastFuture's
// stream. A nil lookup means the caller already dropped the future; the
// ack is silently discarded (spec.md §4.E "late acks are garbage
// collected").
func (m *Manager) onAck(msg wire.Message) {
	ack := msg.(*wire.BroadcastAck)
	fut := m.lookup(ack.BroadcastId)
	if fut == nil {
		return
	}
	fut.deliverAck(Recipient{Id: ack.RecipientId, Position: ack.RecipientPos})
}

// onFault fails every still-reachable in-flight BroadcastFuture's
// ReceivedOnServer milestone when the protocol declares correlation
// state lost. Ordinary transport drops do not call this; those replay
// through conn.Protocol.SendTracked instead.
func (m *Manager) onFault(err error) {
	m.mu.Lock()
	futures := make([]*Future, 0, len(m.pending))
	for _, wp := range m.pending {
		if f := wp.Value(); f != nil {
			futures = append(futures, f)
		}
	}
	m.mu.Unlock()
	for _, f := range futures {
		f.fail(err)
	}
}

func (m *Manager) lookup(id string) *Future {
	m.mu.Lock()
	wp, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// SendBroadcast requests fan-out delivery of payload on channel
// (spec.md §4.E sendBroadcast). opts overrides the Manager's default
// options if given; options are forwarded verbatim to the server and
// never interpreted client-side. If a rate limiter is configured and its
// burst is exhausted, it fails immediately with
// transport.ErrBackpressure rather than blocking — sends are meant to be
// non-blocking (spec.md §5) except when the Transport's own buffer is
// full.
func SendBroadcast(m *Manager, channel string, payload any, opts ...wire.BroadcastOptions) (*Future, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return nil, transport.ErrBackpressure
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("broadcast: marshal payload: %w", err)
	}

	options := m.defaultOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	broadcastID := wire.NewRandomID()
	fut := newFuture()
	m.mu.Lock()
	m.pending[broadcastID] = weak.Make(fut)
	m.mu.Unlock()
	runtime.AddCleanup(fut, m.forget, broadcastID)

	var pos *wire.PositionTime
	if p, ok := m.positionSupplier(); ok {
		pos = &p
	}

	msg := &wire.BroadcastSend{
		Src:         m.clientID,
		Position:    pos,
		Channel:     channel,
		Payload:     data,
		Options:     options,
		BroadcastId: broadcastID,
	}
	if err := m.p.SendTracked(broadcastID, msg); err != nil {
		m.forget(broadcastID)
		return nil, err
	}
	return fut, nil
}

// ListenFor subscribes listener to every BroadcastDeliver on channel,
// decoding each payload into T before invoking it. A decode failure is
// logged and the frame dropped, not retried (spec.md §4.E). Decoding
// uses strictjson.Unmarshal since payload arrives from another vessel:
// unknown fields and case-variant key smuggling are rejected instead of
// silently resolved by encoding/json's case-insensitive matching.
func ListenFor[T any](m *Manager, channel string, listener func(Header, T)) *Subscription {
	raw := func(h Header, payload []byte) {
		var v T
		if len(payload) > 0 {
			if err := strictjson.Unmarshal(payload, &v); err != nil {
				m.logger.Printf("broadcast: malformed payload on channel %q: %v", channel, err)
				return
			}
		}
		listener(h, v)
	}
	return m.subscribe(channel, raw)
}
