package conn

import (
	"context"
	"time"
)

// Logger is the minimal diagnostic sink the protocol writes best-effort
// log lines to: a dropped malformed broadcast, an orphan response, a
// reconnect attempt. Shaped like the teacher's fire-and-forget
// diagnostics in mcp/tasks_server.go, which return nothing and cannot
// propagate an error to a caller.
type Logger interface {
	Printf(format string, args ...any)
}

// NopLogger discards everything. It is the default when Config.Logger is
// nil.
type NopLogger struct{}

// Printf implements Logger.
func (NopLogger) Printf(string, ...any) {}

// ReconnectPolicy configures the exponential backoff between reconnect
// attempts (spec.md §9 Open Question #2, resolved in SPEC_FULL.md §OQ.2).
type ReconnectPolicy struct {
	// Initial is the delay before the first reconnect attempt.
	Initial time.Duration
	// Max caps the backoff delay.
	Max time.Duration
	// Jitter is a fraction of the current delay (0..1) applied as random
	// +/- spread, matching the teacher's streamableClientConn jitter.
	Jitter float64
	// MaxAttempts bounds the number of reconnect attempts. Zero means
	// unbounded (the default).
	MaxAttempts int
}

// DefaultReconnectPolicy matches the teacher's streamableClientConn
// hard-coded constants, promoted to configuration.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Jitter:  0.5,
	}
}

// Config configures a Protocol instance.
type Config struct {
	// URL is the ws:// or wss:// endpoint (spec.md §6).
	URL string
	// HandshakeTimeout bounds the initial connect(url, timeout) call.
	HandshakeTimeout time.Duration
	// ReconnectPolicy governs backoff between reconnect attempts.
	ReconnectPolicy ReconnectPolicy
	// KeepAliveInterval is the period on which a one-way Ping is sent
	// while CONNECTED. Zero disables keepalive.
	KeepAliveInterval time.Duration
	// Logger receives best-effort diagnostics. Defaults to NopLogger.
	Logger Logger
	// AuthToken, if set, is called during the Hello handshake step to
	// attach a bearer token the host application already obtained
	// (spec.md §1 Non-goals: authentication is "layered above the
	// handshake", so the core only carries the token, never mints or
	// validates one). Resolved at the enav layer from an
	// oauth2.TokenSource.
	AuthToken func(ctx context.Context) (string, error)
	// OnStateChange is an internal, zero-allocation observer hook used by
	// the facade to start/stop the PositionManager ticker without
	// threading its mutex through the protocol. It is distinct from the
	// public addStateListener API (SPEC_FULL.md "Metrics hook").
	OnStateChange func(State)
	// DisableReplay skips replaying PendingRequests and tracked one-way
	// entries on reaching CONNECTED. Set from ENAVGODEBUG=noreplay=1 by
	// the enav facade so the "orphan response" and "handshake rejection"
	// scenarios in spec.md §8 can be driven deterministically in tests
	// without a real reconnect racing a replay.
	DisableReplay bool
}

func (c Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return NopLogger{}
}

func (c Config) notify(s State) {
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}
