// Package transport abstracts the single duplex text-frame channel spec.md
// §4.A calls for: a byte-string pipe with no message semantics of its own.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send when the channel is down.
var ErrNotConnected = errors.New("transport: not connected")

// ErrConnectFailed is returned by Connect on timeout or refusal.
var ErrConnectFailed = errors.New("transport: connect failed")

// ErrBackpressure reports an outbound send refused for lack of room.
// broadcast.SendBroadcast returns it when its rate limiter has no burst
// left; the Send methods of the transports in this module do not return
// it (WebSocketTransport.Send blocks on the socket write instead).
var ErrBackpressure = errors.New("transport: send buffer full")

// Callbacks receives the upward notifications a Transport emits. A
// Transport must invoke OnClose exactly once per successful OnOpen
// (spec.md §4.A).
type Callbacks interface {
	OnOpen()
	OnText(frame []byte)
	OnClose(code int, reason string)
}

// Transport is a single duplex text-frame channel. Implementations have no
// knowledge of the wire message format; they move opaque text frames.
// Exactly one Transport instance is bound to a Client at a time (spec.md
// §3 invariants).
type Transport interface {
	// Connect opens the channel and begins delivering callbacks. It
	// returns once the channel is open or the attempt has failed.
	Connect(ctx context.Context, url string, timeout time.Duration, cb Callbacks) error
	// Send enqueues a text frame. It is non-blocking from the caller's
	// point of view except when the send buffer is full, per spec.md §5.
	Send(frame []byte) error
	// Close initiates orderly shutdown. It is idempotent.
	Close(reason string) error
}
