// Package transporttest provides an in-memory Transport for driving the
// reconnect and replay logic deterministically, the role the teacher's
// in-memory connection pairs play in mcp/shared_test.go.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/dma-graveyard/enav-network/transport"
)

// Fake is an in-memory Transport under direct test control: Connect
// succeeds or fails per ConnectErr, Send records frames (or fails per
// SendErr), and the test drives inbound frames and closes explicitly via
// Deliver/Drop.
type Fake struct {
	mu        sync.Mutex
	cb        transport.Callbacks
	connected bool
	sent      [][]byte

	// ConnectErr, if set, is returned by every Connect call while it
	// stays set.
	ConnectErr error
	// SendErr, if set, is returned by every Send call.
	SendErr error
	// Connects counts successful Connect calls, for asserting reconnect
	// attempts in tests.
	Connects int
}

// Connect implements transport.Transport.
func (f *Fake) Connect(ctx context.Context, url string, timeout time.Duration, cb transport.Callbacks) error {
	f.mu.Lock()
	if f.ConnectErr != nil {
		err := f.ConnectErr
		f.mu.Unlock()
		return err
	}
	f.cb = cb
	f.connected = true
	f.Connects++
	f.mu.Unlock()
	cb.OnOpen()
	return nil
}

// Send implements transport.Transport.
func (f *Fake) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

// Close implements transport.Transport.
func (f *Fake) Close(reason string) error {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	cb := f.cb
	f.mu.Unlock()
	if wasConnected && cb != nil {
		cb.OnClose(1000, reason)
	}
	return nil
}

// Deliver feeds an inbound frame to the bound callbacks, as if received
// from the peer.
func (f *Fake) Deliver(frame []byte) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb.OnText(frame)
	}
}

// Drop simulates the transport dying out from under the connection,
// invoking OnClose without going through Close (e.g. a chaos injector
// killing the socket).
func (f *Fake) Drop(code int, reason string) {
	f.mu.Lock()
	f.connected = false
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb.OnClose(code, reason)
	}
}

// Sent returns a snapshot of frames handed to Send, in order.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// ConnectCount returns the number of successful Connect calls so far,
// safe to poll from a different goroutine than the one driving the
// Transport (tests assert on reconnect counts this way).
func (f *Fake) ConnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connects
}
