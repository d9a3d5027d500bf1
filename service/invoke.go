package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/errs"
	"github.com/dma-graveyard/enav-network/future"
	"github.com/dma-graveyard/enav-network/wire"
)

// Invoke sends an InvokeService call to dst for point's channel and
// returns a future for the typed result (spec.md §4.D serviceInvoke).
// The invocation is tracked under a freshly generated 128-bit
// InvocationId via conn.Protocol.SendTracked, so it survives a reconnect
// exactly like a ServerRequest (SPEC_FULL.md §OQ.3); it completes when
// the matching InvokeServiceAck arrives, or fails with Timeout (from
// Future.Get's ctx), ConnectionLost (via Manager.onFault), or
// RemoteFailure (an error InvokeServiceAck).
//
// Invoke is a free function because In/Out vary per call while Manager
// itself is not generic.
func Invoke[In, Out any](m *Manager, dst wire.MaritimeId, point *InitiationPoint[In, Out], message In) (*future.Future[Out], error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("service: marshal invoke payload: %w", err)
	}

	invocationID := wire.NewRandomID()
	fut := future.New[Out]()
	entry := &typedInvocation[Out]{f: fut}

	m.mu.Lock()
	m.invocations[invocationID] = entry
	m.mu.Unlock()

	msg := &wire.InvokeService{
		Src:          m.clientID,
		Dst:          dst,
		ServiceName:  point.channel,
		Payload:      payload,
		InvocationId: invocationID,
	}
	if err := m.p.SendTracked(invocationID, msg); err != nil {
		m.mu.Lock()
		delete(m.invocations, invocationID)
		m.mu.Unlock()
		return nil, err
	}
	return fut, nil
}

// ServiceLocator queries the server for providers of an InitiationPoint's
// channel (spec.md §4.D serviceFind).
type ServiceLocator struct {
	p       *conn.Protocol
	channel string
}

// FindService returns a locator for point's channel. It performs no wire
// activity until Nearest is called.
func FindService[In, Out any](m *Manager, point *InitiationPoint[In, Out]) *ServiceLocator {
	return &ServiceLocator{p: m.p, channel: point.channel}
}

// Nearest queries the server for providers of this locator's channel and
// returns the closest one, or fails with errs.ErrNoProvider if none are
// registered.
func (l *ServiceLocator) Nearest(ctx context.Context) (wire.MaritimeId, error) {
	pending, err := conn.SendRequest[wire.FindServiceParams, wire.FindServiceResult](l.p, wire.KindFindService, wire.FindServiceParams{Channel: l.channel})
	if err != nil {
		return "", err
	}
	result, err := pending.Get(ctx)
	if err != nil {
		return "", err
	}
	if len(result.Providers) == 0 {
		return "", errs.ErrNoProvider
	}
	return result.Providers[0], nil
}
