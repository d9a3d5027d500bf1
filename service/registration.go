package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/internal/strictjson"
	"github.com/dma-graveyard/enav-network/wire"
)

// InitiationPoint names a service contract: a channel derived from a
// canonical name, plus the In/Out payload types exchanged over it.
// serviceRegister, serviceFind and serviceInvoke all key off the same
// InitiationPoint so the two sides of a call agree on a channel without
// a separate registry (spec.md §4.D).
type InitiationPoint[In, Out any] struct {
	channel  string
	resolved *jsonschema.Resolved
}

// NewInitiationPoint builds an InitiationPoint bound to channel, with
// In's JSON schema inferred and resolved up front so inbound payloads
// can be validated before a registered handler ever sees them — the
// same role jsonschema.For/Resolve play for CallToolParamsRaw in
// mcp/tool.go.
func NewInitiationPoint[In, Out any](channel string) (*InitiationPoint[In, Out], error) {
	var zero In
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("service: build schema for %T: %w", zero, err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("service: resolve schema for %T: %w", zero, err)
	}
	return &InitiationPoint[In, Out]{channel: channel, resolved: resolved}, nil
}

// Channel returns the canonical channel name this point binds.
func (ip *InitiationPoint[In, Out]) Channel() string { return ip.channel }

// Handler processes one inbound InvokeService call addressed to a
// registered channel. An error becomes a RemoteFailure on the caller's
// serviceInvoke future; otherwise out is marshalled into the
// InvokeServiceAck result (spec.md §4.D).
type Handler[In, Out any] func(ctx context.Context, src wire.MaritimeId, payload In) (Out, error)

// ServiceRegistration is the handle serviceRegister returns: a future
// resolving once the server confirms RegisterService, plus Unregister to
// free the channel locally.
type ServiceRegistration struct {
	*conn.Pending[wire.RegisterServiceResult]
	channel string
	m       *Manager
}

// Channel returns the channel this registration binds.
func (r *ServiceRegistration) Channel() string { return r.channel }

// AwaitRegistered blocks until the server confirms the registration or
// ctx is done (spec.md §4.D "awaitRegistered(timeout)").
func (r *ServiceRegistration) AwaitRegistered(ctx context.Context) error {
	_, err := r.Get(ctx)
	return err
}

// Unregister frees the channel for a later local registration. It has no
// wire effect; the server-side binding is left as-is until it times the
// session out or a new RegisterService overwrites it.
func (r *ServiceRegistration) Unregister() {
	r.m.unregister(r.channel)
}

// RegisterService binds handler to point's channel on m: inbound
// InvokeService calls for that channel are validated against In's schema
// and dispatched to handler on a ThreadManager pool worker. It fails
// synchronously with errs.ErrAlreadyRegistered if the channel is already
// bound locally (spec.md §8 invariant 3); otherwise a RegisterService
// server request is sent and its future is wrapped in the returned
// ServiceRegistration.
//
// RegisterService is a free function, not a method, because Go methods
// cannot carry type parameters independent of the receiver's — In/Out
// vary per call while Manager itself is not generic (mirroring
// conn.SendRequest).
func RegisterService[In, Out any](m *Manager, point *InitiationPoint[In, Out], handler Handler[In, Out]) (*ServiceRegistration, error) {
	reg := &registration{
		channel: point.channel,
		invoke: func(ctx context.Context, src wire.MaritimeId, payload []byte) ([]byte, error) {
			var in In
			if err := unmarshalValidated(payload, point.resolved, &in); err != nil {
				return nil, err
			}
			out, err := handler(ctx, src, in)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		},
	}

	if err := m.bind(reg); err != nil {
		return nil, err
	}

	pending, err := conn.SendRequest[wire.RegisterServiceParams, wire.RegisterServiceResult](m.p, wire.KindRegisterService, wire.RegisterServiceParams{Channel: point.channel})
	if err != nil {
		m.unregister(point.channel)
		return nil, err
	}
	return &ServiceRegistration{Pending: pending, channel: point.channel, m: m}, nil
}

// unmarshalValidated decodes data into v with strictjson.Unmarshal — data
// arrives from another vessel over the wire, so unknown fields and
// case-variant key smuggling are rejected rather than silently resolved
// by encoding/json's case-insensitive matching — then validates the
// result against resolved if non-nil. Grounded on the teacher's
// unmarshalSchema (mcp/tool.go), hardened with the case/duplicate-key
// checks from internal/jsonrpc2.StrictUnmarshal.
func unmarshalValidated(data []byte, resolved *jsonschema.Resolved, v any) error {
	if len(data) > 0 {
		if err := strictjson.Unmarshal(data, v); err != nil {
			return fmt.Errorf("service: unmarshal payload: %w", err)
		}
	}
	if resolved == nil {
		return nil
	}
	if err := resolved.ApplyDefaults(v); err != nil {
		return fmt.Errorf("service: apply schema defaults: %w", err)
	}
	if err := resolved.Validate(v); err != nil {
		return fmt.Errorf("service: validate payload: %w", err)
	}
	return nil
}
