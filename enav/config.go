package enav

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/transport"
	"github.com/dma-graveyard/enav-network/wire"
)

// Config is the collaborator consumed by Connect (spec.md §6). It
// follows the teacher's StreamableClientTransportOptions pattern: a
// plain options struct with documented defaults applied by Connect, not
// a builder or reflection-driven loader.
type Config struct {
	// LocalId is this client's own identity. Required.
	LocalId wire.MaritimeId
	// Host is the ws://, or wss://, endpoint. Required.
	Host string
	// PositionSupplier returns the current position fix, or false if none
	// is available yet. Required; consulted both for the Hello handshake
	// and by the PositionManager ticker.
	PositionSupplier func() (wire.PositionTime, bool)
	// DefaultBroadcastOptions is used by Broadcast when no per-call
	// options are given.
	DefaultBroadcastOptions wire.BroadcastOptions
	// ReconnectPolicy governs exponential backoff between reconnect
	// attempts. Zero value resolves to conn.DefaultReconnectPolicy().
	ReconnectPolicy conn.ReconnectPolicy
	// KeepAliveInterval is the period on which a one-way Ping is sent
	// while CONNECTED. Defaults to 30s; negative disables it.
	KeepAliveInterval time.Duration
	// PositionInterval is the period on which PositionReport is sent
	// while CONNECTED. Defaults to 1s; negative disables it.
	PositionInterval time.Duration
	// HandshakeTimeout bounds the initial connect+handshake call.
	// Defaults to 10s.
	HandshakeTimeout time.Duration
	// BroadcastRateLimiter, if set, caps the rate of outbound
	// sendBroadcast calls (golang.org/x/time/rate). Nil means unlimited.
	BroadcastRateLimiter *rate.Limiter
	// TokenSource, if set, is consulted during the Hello handshake step
	// to attach a bearer token the host application already obtained
	// (spec.md §1 Non-goals: authentication is layered above the
	// handshake, so the core only carries the token).
	TokenSource oauth2.TokenSource
	// Transport overrides the default transport.WebSocketTransport. Tests
	// inject a transporttest.Fake here.
	Transport transport.Transport
	// Logger receives best-effort diagnostics across every collaborator.
	// Defaults to a no-op logger.
	Logger conn.Logger
}

func (c Config) reconnectPolicy() conn.ReconnectPolicy {
	if c.ReconnectPolicy == (conn.ReconnectPolicy{}) {
		return conn.DefaultReconnectPolicy()
	}
	return c.ReconnectPolicy
}

func (c Config) keepAliveInterval() time.Duration {
	if c.KeepAliveInterval == 0 {
		return 30 * time.Second
	}
	if c.KeepAliveInterval < 0 {
		return 0
	}
	return c.KeepAliveInterval
}

func (c Config) positionInterval() time.Duration {
	if c.PositionInterval == 0 {
		return time.Second
	}
	if c.PositionInterval < 0 {
		return 0
	}
	return c.PositionInterval
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return c.HandshakeTimeout
}

func (c Config) transport() transport.Transport {
	if c.Transport != nil {
		return c.Transport
	}
	return &transport.WebSocketTransport{}
}

func (c Config) logger() conn.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return conn.NopLogger{}
}

// authToken adapts an oauth2.TokenSource, if set, to the
// conn.Config.AuthToken shape.
func (c Config) authToken() func(ctx context.Context) (string, error) {
	if c.TokenSource == nil {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		tok, err := c.TokenSource.Token()
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}
}
