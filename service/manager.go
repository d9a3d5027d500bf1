// Package service implements spec.md §4.D's ServiceManager: local
// service registration with JSON-schema-validated payloads, remote
// service discovery, and client-to-client invocation routed through the
// server. Grounded on the teacher's tool registry (mcp/tool.go,
// mcp/server.go's toolFeatureSet) generalized from "tools a server
// exposes to a model" to "channels a peer exposes to other peers".
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/errs"
	"github.com/dma-graveyard/enav-network/future"
	"github.com/dma-graveyard/enav-network/wire"
	"github.com/dma-graveyard/enav-network/workerpool"
)

// Manager is spec.md §4.D's ServiceManager: one per Client, bound to a
// single *conn.Protocol for its whole lifetime (reconnects are handled
// underneath it, transparently).
type Manager struct {
	p        *conn.Protocol
	pool     *workerpool.Pool
	clientID wire.MaritimeId
	logger   conn.Logger

	mu          sync.Mutex
	registered  map[string]*registration
	invocations map[string]invocationEntry
}

type registration struct {
	channel string
	invoke  func(ctx context.Context, src wire.MaritimeId, payload []byte) ([]byte, error)
}

// invocationEntry is the type-erased view of an in-flight serviceInvoke
// call, so one map can hold futures of different result types — the
// same reason conn.pendingEntry exists.
type invocationEntry interface {
	complete(ack *wire.InvokeServiceAck)
	fail(err error)
}

type typedInvocation[T any] struct{ f *future.Future[T] }

func (e *typedInvocation[T]) complete(ack *wire.InvokeServiceAck) {
	if ack.Err != "" {
		e.f.Fail(errs.NewRemoteFailure(ack.Err))
		return
	}
	var v T
	if len(ack.Result) > 0 {
		if err := json.Unmarshal(ack.Result, &v); err != nil {
			e.f.Fail(fmt.Errorf("service: decode invoke result: %w", err))
			return
		}
	}
	e.f.Complete(v)
}

func (e *typedInvocation[T]) fail(err error) { e.f.Fail(err) }

// NewManager builds a Manager dispatching inbound InvokeService frames
// onto pool workers (spec.md §4.D: "dispatched to the callback for
// channel on a worker from the ThreadManager pool"). If logger is nil, a
// conn.NopLogger is used.
func NewManager(p *conn.Protocol, pool *workerpool.Pool, clientID wire.MaritimeId, logger conn.Logger) *Manager {
	if logger == nil {
		logger = conn.NopLogger{}
	}
	m := &Manager{
		p:           p,
		pool:        pool,
		clientID:    clientID,
		logger:      logger,
		registered:  make(map[string]*registration),
		invocations: make(map[string]invocationEntry),
	}
	p.Subscribe(wire.TypeInvokeService, m.onInvoke)
	p.Subscribe(wire.TypeInvokeServiceAck, m.onInvokeAck)
	p.OnFault(m.onFault)
	return m
}

func (m *Manager) bind(reg *registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registered[reg.channel]; exists {
		return errs.ErrAlreadyRegistered
	}
	m.registered[reg.channel] = reg
	return nil
}

func (m *Manager) unregister(channel string) {
	m.mu.Lock()
	delete(m.registered, channel)
	m.mu.Unlock()
}

// onInvoke handles an inbound InvokeService addressed to one of our
// locally registered channels, dispatching to the handler on a pool
// worker. Inbound invocations for the same channel are delivered here in
// arrival order (the protocol's single dispatch goroutine calls bus
// subscribers serially) but may complete out of order once handed to the
// pool (spec.md §4.D).
func (m *Manager) onInvoke(msg wire.Message) {
	inv := msg.(*wire.InvokeService)
	m.mu.Lock()
	reg, ok := m.registered[inv.ServiceName]
	m.mu.Unlock()
	if !ok {
		m.ack(inv.InvocationId, nil, fmt.Sprintf("no local service registered for channel %q", inv.ServiceName))
		return
	}
	m.pool.Spawn(func() {
		result, err := m.invokeSafely(reg, inv)
		if err != nil {
			m.ack(inv.InvocationId, nil, err.Error())
			return
		}
		m.ack(inv.InvocationId, result, "")
	})
}

// invokeSafely recovers a handler panic into an error, which becomes a
// RemoteFailure on the invoking caller's side (spec.md §4.D "Callback
// exceptions become fail(cause)").
func (m *Manager) invokeSafely(reg *registration, inv *wire.InvokeService) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service: handler panic: %v", r)
		}
	}()
	return reg.invoke(context.Background(), inv.Src, inv.Payload)
}

func (m *Manager) ack(invocationID string, result []byte, errMsg string) {
	ack := &wire.InvokeServiceAck{InvocationId: invocationID, Result: result, Err: errMsg}
	if err := m.p.SendOneWay(ack); err != nil {
		m.logger.Printf("service: failed to send InvokeServiceAck for %s: %v", invocationID, err)
	}
}

// onInvokeAck completes the future tracking a serviceInvoke call once
// its InvokeServiceAck arrives.
func (m *Manager) onInvokeAck(msg wire.Message) {
	ack := msg.(*wire.InvokeServiceAck)
	m.mu.Lock()
	entry, ok := m.invocations[ack.InvocationId]
	if ok {
		delete(m.invocations, ack.InvocationId)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Printf("service: ack for unknown invocation %s", ack.InvocationId)
		return
	}
	m.p.Untrack(ack.InvocationId)
	entry.complete(ack)
}

// onFault fails every in-flight serviceInvoke future when the Protocol
// declares correlation state lost (orphan response or explicit Close).
// Ordinary transport drops do not call this — they replay through
// conn.Protocol.SendTracked instead (spec.md §8 "reconnect under load").
func (m *Manager) onFault(err error) {
	m.mu.Lock()
	entries := make([]invocationEntry, 0, len(m.invocations))
	for id, e := range m.invocations {
		entries = append(entries, e)
		delete(m.invocations, id)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.fail(err)
	}
}
