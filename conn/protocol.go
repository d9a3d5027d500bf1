// Package conn implements spec.md §4.B/§4.C: the MessageBus and
// ConnectionProtocol that drive one logical session across potentially
// many Transport incarnations. Grounded on the teacher's
// streamableClientConn reconnect/backoff goroutines (mcp/streamable.go)
// and the ethereum rpc.Client dispatch-goroutine + requestOp pattern
// (other_examples/5b80f049_ethereum-go-ethereum__rpc-client.go.go).
package conn

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dma-graveyard/enav-network/errs"
	"github.com/dma-graveyard/enav-network/future"
	"github.com/dma-graveyard/enav-network/transport"
	"github.com/dma-graveyard/enav-network/wire"
)

type eventKind int

const (
	evOpen eventKind = iota
	evText
	evClose
)

type event struct {
	kind   eventKind
	text   []byte
	code   int
	reason string
}

// Protocol is spec.md §4.C's ConnectionProtocol: it owns the single
// Transport bound to this session, runs the handshake, assigns replyTo
// ids, tracks PendingRequests, and replays outstanding requests across
// reconnects.
type Protocol struct {
	cfg              Config
	tr               transport.Transport
	clientID         wire.MaritimeId
	positionSupplier func() (wire.PositionTime, bool)

	bus *bus

	state         atomic.Int32
	protocolFault atomic.Bool

	events         chan event
	closeRequested chan struct{}
	closeOnce      sync.Once
	terminatedCh   chan struct{}

	mu              sync.Mutex
	connectionID    string
	serverID        wire.MaritimeId
	counter         wire.ReplyToCounter
	pendingRequests map[int64]pendingEntry
	cancelled       map[int64]struct{}
	oneWay          map[string]wire.Message
	oneWayOrder     []string
	initialReady    chan error
	faultHandlers   []func(error)
}

// NewProtocol builds a Protocol bound to tr, not yet started.
// positionSupplier is consulted for the Hello handshake message; it
// returns false when no position fix is available yet.
func NewProtocol(cfg Config, tr transport.Transport, clientID wire.MaritimeId, positionSupplier func() (wire.PositionTime, bool)) *Protocol {
	return &Protocol{
		cfg:              cfg,
		tr:               tr,
		clientID:         clientID,
		positionSupplier: positionSupplier,
		bus:              newBus(),
		events:           make(chan event, 64),
		closeRequested:   make(chan struct{}),
		terminatedCh:     make(chan struct{}),
		pendingRequests:  make(map[int64]pendingEntry),
		cancelled:        make(map[int64]struct{}),
		oneWay:           make(map[string]wire.Message),
	}
}

// Start dials the initial Transport and blocks until the Welcome/Hello/
// Connected handshake completes or fails. A failure here is synchronous
// and fatal — spec.md §8 "Handshake rejection": no reconnect loop starts
// for an initial connect failure.
func (p *Protocol) Start(ctx context.Context) error {
	go p.run()
	go p.keepAliveLoop()

	ready := make(chan error, 1)
	p.mu.Lock()
	p.initialReady = ready
	p.mu.Unlock()
	p.setState(StateHandshaking)

	timeout := p.dialTimeout()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.tr.Connect(dialCtx, p.cfg.URL, timeout, p.callbacks()); err != nil {
		p.takeInitialReady()
		return fmt.Errorf("%w: %v", errs.ErrConnectFailed, err)
	}

	select {
	case err := <-ready:
		return err
	case <-time.After(timeout):
		p.takeInitialReady()
		return errs.ErrHandshakeFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Protocol) dialTimeout() time.Duration {
	if p.cfg.HandshakeTimeout > 0 {
		return p.cfg.HandshakeTimeout
	}
	return 10 * time.Second
}

// State returns the current fine-grained state. Lock-free by design
// (spec.md §3: "state is readable without the mutex; it is volatile").
func (p *Protocol) State() State { return State(p.state.Load()) }

// LocalID returns the client's own MaritimeId.
func (p *Protocol) LocalID() wire.MaritimeId { return p.clientID }

func (p *Protocol) setState(s State) {
	p.state.Store(int32(s))
	p.cfg.notify(s)
}

// AwaitTerminated blocks until the protocol reaches TERMINATED or ctx
// expires.
func (p *Protocol) AwaitTerminated(ctx context.Context) bool {
	select {
	case <-p.terminatedCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close initiates orderly shutdown: CLOSING, drain, TERMINATED. It is
// idempotent and fails every pending future with ConnectionLost
// (spec.md §4.G).
func (p *Protocol) Close(reason string) {
	p.closeOnce.Do(func() {
		p.setState(StateClosing)
		close(p.closeRequested)
		_ = p.tr.Close(reason)
	})
}

// OnFault registers a handler invoked whenever the protocol declares all
// in-flight correlation state lost: an orphan response (protocol error)
// or an explicit Close. It does NOT fire on an ordinary transport drop
// that is followed by a successful reconnect-and-replay — spec.md §8's
// "reconnect under load" scenario requires those futures to survive and
// eventually complete. ServiceManager and BroadcastManager use this to
// fail their own invocationId-/broadcastId-keyed futures, which Protocol
// itself does not hold.
func (p *Protocol) OnFault(handler func(err error)) {
	p.mu.Lock()
	p.faultHandlers = append(p.faultHandlers, handler)
	p.mu.Unlock()
}

// Subscribe registers handler for every inbound message of type t
// (spec.md §4.B). Used for the client-to-client kinds: InvokeService,
// InvokeServiceAck, BroadcastDeliver, BroadcastSendAck, BroadcastAck.
func (p *Protocol) Subscribe(t wire.MessageType, handler func(wire.Message)) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bus.subscribe(t, handler)
}

// Unsubscribe removes a subscription registered via Subscribe.
// Idempotent.
func (p *Protocol) Unsubscribe(sub Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus.unsubscribe(sub)
}

// SendOneWay writes msg without tracking it for replay (spec.md §4.B
// sendOneWay). Used for Hello and Ping.
func (p *Protocol) SendOneWay(msg wire.Message) error {
	return p.sendMessage(msg)
}

// SendTracked encodes and sends msg now if CONNECTED, otherwise buffers
// it for replay once the session reaches CONNECTED again. id correlates
// this entry for the caller (ServiceManager's invocationId,
// BroadcastManager's broadcastId); Untrack removes it once its
// completion arrives. This realizes SPEC_FULL.md §OQ.3: InvokeService
// and BroadcastSend entries replay exactly like ServerRequest entries,
// even though their own completion is correlated out-of-band.
func (p *Protocol) SendTracked(id string, msg wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.oneWay[id]; !exists {
		p.oneWay[id] = msg
		p.oneWayOrder = append(p.oneWayOrder, id)
	}
	if p.State() != StateConnected {
		return nil
	}
	return p.sendMessage(msg)
}

// Untrack removes id from the replay set without sending anything.
func (p *Protocol) Untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.oneWay[id]; !ok {
		return
	}
	delete(p.oneWay, id)
	for i, v := range p.oneWayOrder {
		if v == id {
			p.oneWayOrder = append(p.oneWayOrder[:i:i], p.oneWayOrder[i+1:]...)
			break
		}
	}
}

// removePending drops id from PendingRequests and tombstones it so a late
// response arriving afterward is recognized as discardable rather than
// mistaken for an orphan response (spec.md §4.C "Cancellation" vs
// "Orphan response" — see DESIGN.md for why these two rules need the
// distinction).
func (p *Protocol) removePending(id int64) {
	p.mu.Lock()
	delete(p.pendingRequests, id)
	p.cancelled[id] = struct{}{}
	p.mu.Unlock()
}

// SendRequest assigns the next replyTo, records a PendingRequests entry,
// and transmits now (if CONNECTED) or leaves it for replay. It is a free
// function, not a method, because Go methods cannot carry their own type
// parameters independent of the receiver's (Req is the payload type,
// Resp the expected result type — e.g. RegisterServiceParams /
// RegisterServiceResult).
//
// replyTo assignment and the transmit below run under a single critical
// section on p.mu (spec.md §5 "a single lock on the id counter" / §4.B
// "replyTo assignment and enqueue to Transport are atomic"): two
// concurrent callers must not be able to interleave such that the
// higher replyTo reaches the Transport first.
func SendRequest[Req any, Resp any](p *Protocol, kind string, payload Req) (*Pending[Resp], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	replyTo := p.counter.Next()
	req, err := wire.EncodeRequest(replyTo, kind, payload)
	if err != nil {
		return nil, err
	}
	fut := future.New[Resp]()
	entry := &typedPending[Resp]{f: fut, req: req}
	p.pendingRequests[replyTo] = entry

	if State(p.state.Load()) == StateConnected {
		p.transmit(entry)
	}
	return &Pending[Resp]{Future: fut, id: replyTo, owner: p}, nil
}

func (p *Protocol) sendMessage(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return p.tr.Send(data)
}

func (p *Protocol) transmit(e pendingEntry) {
	if err := p.sendMessage(e.frame()); err != nil {
		p.cfg.logger().Printf("conn: send replyTo=%d failed: %v", e.replyTo(), err)
	}
}

// flushPending (re)sends every PendingRequests entry in ascending
// replyTo order, then every tracked one-way entry in registration order
// (spec.md §4.C "Request replay"). Called exactly once per transition
// into CONNECTED, whether the server resumed the session or issued a new
// connectionId: outstanding entries are replayed in both cases. On the
// very first handshake the maps are empty, so this is a no-op there.
func (p *Protocol) flushPending() {
	if p.cfg.DisableReplay {
		return
	}
	p.mu.Lock()
	entries := make([]pendingEntry, 0, len(p.pendingRequests))
	for _, e := range p.pendingRequests {
		entries = append(entries, e)
	}
	oneWay := make([]wire.Message, 0, len(p.oneWayOrder))
	for _, id := range p.oneWayOrder {
		oneWay = append(oneWay, p.oneWay[id])
	}
	p.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].replyTo() < entries[j].replyTo() })
	for _, e := range entries {
		p.transmit(e)
	}
	for _, m := range oneWay {
		if err := p.sendMessage(m); err != nil {
			p.cfg.logger().Printf("conn: replay send failed: %v", err)
		}
	}
}

// failAll fails every PendingRequests future and discards every tracked
// one-way entry with err, then notifies OnFault handlers. Used for
// explicit Close and for orphan-response protocol errors — NOT for an
// ordinary transport drop that will be replayed on reconnect.
func (p *Protocol) failAll(err error) {
	p.mu.Lock()
	entries := make([]pendingEntry, 0, len(p.pendingRequests))
	for k, e := range p.pendingRequests {
		entries = append(entries, e)
		delete(p.pendingRequests, k)
	}
	p.oneWay = make(map[string]wire.Message)
	p.oneWayOrder = nil
	handlers := append([]func(error){}, p.faultHandlers...)
	p.mu.Unlock()

	for _, e := range entries {
		e.fail(err)
	}
	for _, h := range handlers {
		h(err)
	}
}

func (p *Protocol) takeInitialReady() chan error {
	p.mu.Lock()
	ready := p.initialReady
	p.initialReady = nil
	p.mu.Unlock()
	return ready
}

func (p *Protocol) keepAliveLoop() {
	if p.cfg.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.terminatedCh:
			return
		case <-ticker.C:
			if p.State() == StateConnected {
				_ = p.SendOneWay(&wire.Ping{})
			}
		}
	}
}

// run is the single goroutine that serializes all inbound frame handling
// for this Protocol, across every Transport incarnation (spec.md §5 "a
// protocol pool that is effectively single-threaded per connection").
func (p *Protocol) run() {
	for ev := range p.events {
		switch ev.kind {
		case evOpen:
			// Nothing to do yet: we wait for the server-initiated Welcome.
		case evText:
			p.handleText(ev.text)
		case evClose:
			if p.handleClose(ev.code, ev.reason) {
				return
			}
		}
	}
}

func (p *Protocol) handleText(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		p.cfg.logger().Printf("conn: malformed frame: %v", err)
		return
	}
	switch m := msg.(type) {
	case *wire.Welcome:
		p.onWelcome(m)
	case *wire.Connected:
		p.onConnected(m)
	case *wire.Bye:
		p.cfg.logger().Printf("conn: peer sent Bye: %s", m.Reason)
	case *wire.Ping:
		// one-way keepalive, nothing to do.
	case *wire.ResponseFrame:
		p.onResponse(m)
	default:
		p.bus.dispatch(msg, p.cfg.logger())
	}
}

func (p *Protocol) onWelcome(m *wire.Welcome) {
	p.mu.Lock()
	p.serverID = m.ServerId
	p.mu.Unlock()

	hello := &wire.Hello{ClientId: p.clientID}
	if pos, ok := p.positionSupplier(); ok {
		hello.Position = &pos
	}
	if p.cfg.AuthToken != nil {
		tok, err := p.cfg.AuthToken(context.Background())
		if err != nil {
			p.cfg.logger().Printf("conn: auth token source failed: %v", err)
		} else {
			hello.AuthToken = tok
		}
	}
	if err := p.SendOneWay(hello); err != nil {
		p.cfg.logger().Printf("conn: failed to send Hello: %v", err)
	}
}

func (p *Protocol) onConnected(m *wire.Connected) {
	p.mu.Lock()
	resumed := p.connectionID != "" && p.connectionID == m.ConnectionId
	p.connectionID = m.ConnectionId
	p.mu.Unlock()

	if resumed {
		p.setState(StateResuming)
	}
	p.flushPending()
	p.setState(StateConnected)

	if ready := p.takeInitialReady(); ready != nil {
		ready <- nil
	}
}

func (p *Protocol) onResponse(m *wire.ResponseFrame) {
	p.mu.Lock()
	entry, ok := p.pendingRequests[m.MessageAck]
	if ok {
		delete(p.pendingRequests, m.MessageAck)
	}
	_, wasCancelled := p.cancelled[m.MessageAck]
	if wasCancelled {
		delete(p.cancelled, m.MessageAck)
	}
	p.mu.Unlock()

	if wasCancelled {
		// A late response for a cancelled request: discarded, not an
		// orphan (spec.md §4.C "Cancellation").
		return
	}
	if !ok {
		p.cfg.logger().Printf("conn: orphan response for messageAck=%d", m.MessageAck)
		p.failProtocolError()
		return
	}
	entry.complete(m)
}

// failProtocolError implements spec.md §4.C "Orphan response": log,
// fail every pending future with ConnectionLost, and close the transport
// so the reconnect loop takes over.
func (p *Protocol) failProtocolError() {
	p.failAll(errs.ErrConnectionLost)
	p.protocolFault.Store(true)
	_ = p.tr.Close("protocol error")
}

// handleClose reacts to a Transport incarnation dying, returning true
// when the run loop should stop (TERMINATED reached).
func (p *Protocol) handleClose(code int, reason string) bool {
	st := p.State()

	if st == StateClosing {
		if ready := p.takeInitialReady(); ready != nil {
			ready <- errs.ErrClosed
		}
		p.failAll(errs.ErrConnectionLost)
		p.setState(StateTerminated)
		close(p.terminatedCh)
		return true
	}

	// Consume the protocol-fault flag; failAll already ran synchronously
	// in failProtocolError. The reconnect path below is identical whether
	// this drop was fault-induced or an ordinary transport death.
	p.protocolFault.Store(false)

	if ready := p.takeInitialReady(); ready != nil {
		// Disconnected before the very first handshake completed: fatal,
		// no reconnect loop starts (spec.md §8 "Handshake rejection").
		p.setState(StateTerminated)
		close(p.terminatedCh)
		ready <- errs.ErrHandshakeFailed
		return true
	}

	p.setState(StateReconnecting)
	if !p.reconnectLoop() {
		p.failAll(errs.ErrConnectionLost)
		p.setState(StateTerminated)
		close(p.terminatedCh)
		return true
	}
	return false
}

// reconnectLoop blocks with exponential backoff until a new Transport
// incarnation connects, an explicit Close is requested, or MaxAttempts is
// exhausted. It returns false for the latter two (caller gives up).
func (p *Protocol) reconnectLoop() bool {
	policy := p.cfg.ReconnectPolicy
	if policy.Initial <= 0 {
		policy = DefaultReconnectPolicy()
	}
	delay := policy.Initial
	attempt := 0
	for {
		select {
		case <-p.closeRequested:
			return false
		case <-time.After(withJitter(delay, policy.Jitter)):
		}

		attempt++
		timeout := p.dialTimeout()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := p.tr.Connect(ctx, p.cfg.URL, timeout, p.callbacks())
		cancel()
		if err == nil {
			p.setState(StateHandshaking)
			return true
		}

		p.cfg.logger().Printf("conn: reconnect attempt %d failed: %v", attempt, err)
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return false
		}
		delay = nextDelay(delay, policy.Max)
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if max > 0 && next > max {
		next = max
	}
	return next
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	delta := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(d) + delta)
	if out < 0 {
		out = 0
	}
	return out
}

func (p *Protocol) callbacks() transport.Callbacks { return callbackAdapter{p: p} }

// callbackAdapter funnels Transport's upward notifications onto
// Protocol.events, where run() processes them one at a time, preserving
// arrival order (spec.md §4.B).
type callbackAdapter struct{ p *Protocol }

func (c callbackAdapter) OnOpen() {
	c.p.events <- event{kind: evOpen}
}

func (c callbackAdapter) OnText(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.p.events <- event{kind: evText, text: cp}
}

func (c callbackAdapter) OnClose(code int, reason string) {
	c.p.events <- event{kind: evClose, code: code, reason: reason}
}
