// Package position implements spec.md §4.F's PositionManager: a periodic
// one-way PositionReport publication while the session is CONNECTED.
// Grounded on conn.Protocol's keepAliveLoop (same "tick, check state,
// send one-way" shape for Ping), generalized to use workerpool's
// SchedulePeriodic instead of a dedicated goroutine+ticker, since the
// report itself — unlike a keepalive — calls out to an application
// supplied PositionSupplier and so belongs on a pool worker rather than
// the protocol's own dispatch loop.
package position

import (
	"sync"
	"time"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/wire"
	"github.com/dma-graveyard/enav-network/workerpool"
)

// Supplier returns the current position. The second return value is
// false if no position fix is currently available.
type Supplier func() (wire.PositionTime, bool)

// Manager runs the periodic PositionReport publication described by
// spec.md §4.F: while CONNECTED, it samples Supplier on Interval and
// sends a PositionReport. If Supplier reports no fix is available, the
// last successfully sampled position is re-sent; if there has never
// been a successful sample, the cycle is skipped entirely.
type Manager struct {
	p        *conn.Protocol
	pool     *workerpool.Pool
	supplier Supplier
	interval time.Duration
	logger   conn.Logger

	mu     sync.Mutex
	last   wire.PositionTime
	hasAny bool
	cancel func()
}

// NewManager builds a Manager bound to p. interval is the publication
// period (spec.md §6 default: one second); a zero or negative interval
// disables publication entirely and OnStateChange becomes a no-op.
func NewManager(p *conn.Protocol, pool *workerpool.Pool, supplier Supplier, interval time.Duration, logger conn.Logger) *Manager {
	if logger == nil {
		logger = conn.NopLogger{}
	}
	return &Manager{p: p, pool: pool, supplier: supplier, interval: interval, logger: logger}
}

// OnStateChange is registered as conn.Config.OnStateChange by the
// facade: it starts the ticker on entering StateConnected and stops it
// on leaving it, so publication runs only while the session actually
// has a live connection to report to.
func (m *Manager) OnStateChange(s conn.State) {
	if m.interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch s {
	case conn.StateConnected:
		if m.cancel == nil {
			m.cancel = m.pool.SchedulePeriodic(m.interval, m.tick)
		}
	default:
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
	}
}

// tick samples the supplier and, if a position is available (fresh or
// carried over), sends a PositionReport. It runs on a pool worker, so a
// slow or blocking Supplier cannot stall the protocol's dispatch loop.
func (m *Manager) tick() {
	pos, ok := m.supplier()
	m.mu.Lock()
	if ok {
		m.last = pos
		m.hasAny = true
	} else if m.hasAny {
		pos = m.last
		ok = true
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if m.p.State() != conn.StateConnected {
		return
	}
	if err := m.p.SendOneWay(&wire.PositionReport{Position: pos}); err != nil {
		m.logger.Printf("position: send failed: %v", err)
	}
}
