// Package enav implements spec.md §4.G's ClientFacade: the single
// entry point applications use, composing Transport + MessageBus +
// ConnectionProtocol (package conn) with ServiceManager (package
// service), BroadcastManager (package broadcast) and PositionManager
// (package position) into the public API of spec.md §6.
//
// Grounded on the teacher's mcp.NewClient(...).Connect(ctx, transport,
// opts) split, collapsed into spec.md's flatter connect(config) →
// PersistentConnection (SPEC_FULL.md "ClientFacade lifecycle").
package enav

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dma-graveyard/enav-network/broadcast"
	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/future"
	"github.com/dma-graveyard/enav-network/position"
	"github.com/dma-graveyard/enav-network/service"
	"github.com/dma-graveyard/enav-network/wire"
	"github.com/dma-graveyard/enav-network/workerpool"
)

// workerPoolSize is the fixed size of the bounded user pool application
// callbacks run on (spec.md §5's "user pool (bounded)"). Not exposed in
// Config: spec.md names no knob for it, and the teacher's analogous
// pools (mcp/tasks_server.go) are similarly unconfigured.
const workerPoolSize = 8

type stateListener struct {
	id int
	fn func(State)
}

// Client is spec.md §4.G's ClientFacade: one struct owning a mutex and
// a volatile state field, through which connect/close/awaitTerminated
// are serialized, per spec.md §3.
type Client struct {
	protocol *conn.Protocol
	services *service.Manager
	bcast    *broadcast.Manager
	position *position.Manager
	pool     *workerpool.Pool

	mu            sync.Mutex
	cond          *sync.Cond
	state         atomic.Int32
	nextListener  int
	listeners     []stateListener
	terminatedCh  chan struct{}
	terminateOnce sync.Once
}

// Connect dials cfg.Host, runs the Welcome/Hello/Connected handshake,
// and returns a ready Client, or an error if the handshake itself fails
// (spec.md §8 "Handshake rejection": no reconnect loop starts for an
// initial connect failure).
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.LocalId == "" {
		return nil, fmt.Errorf("enav: Config.LocalId is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("enav: Config.Host is required")
	}
	if cfg.PositionSupplier == nil {
		return nil, fmt.Errorf("enav: Config.PositionSupplier is required")
	}

	c := &Client{
		pool:         workerpool.New(workerPoolSize),
		terminatedCh: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	connCfg := conn.Config{
		URL:               cfg.Host,
		HandshakeTimeout:  cfg.handshakeTimeout(),
		ReconnectPolicy:   cfg.reconnectPolicy(),
		KeepAliveInterval: cfg.keepAliveInterval(),
		Logger:            cfg.logger(),
		AuthToken:         cfg.authToken(),
		DisableReplay:     debugValue("noreplay") == "1",
		OnStateChange:     c.onConnStateChange,
	}

	c.protocol = conn.NewProtocol(connCfg, cfg.transport(), cfg.LocalId, cfg.PositionSupplier)
	c.services = service.NewManager(c.protocol, c.pool, cfg.LocalId, cfg.logger())
	c.bcast = broadcast.NewManager(c.protocol, c.pool, cfg.LocalId, cfg.PositionSupplier, cfg.DefaultBroadcastOptions, cfg.BroadcastRateLimiter, cfg.logger())
	c.position = position.NewManager(c.protocol, c.pool, cfg.PositionSupplier, cfg.positionInterval(), cfg.logger())

	if err := c.protocol.Start(ctx); err != nil {
		c.pool.Close()
		c.mu.Lock()
		c.state.Store(int32(StateClosed))
		c.cond.Broadcast()
		c.mu.Unlock()
		close(c.terminatedCh)
		return nil, err
	}

	c.mu.Lock()
	c.state.Store(int32(StateConnected))
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notifyListeners(StateConnected)

	return c, nil
}

// onConnStateChange is conn.Config.OnStateChange: it drives the
// PositionManager ticker and bridges conn.Protocol's fine-grained state
// machine into this facade's coarse public one (SPEC_FULL.md's "Metrics
// hook").
func (c *Client) onConnStateChange(s conn.State) {
	c.position.OnStateChange(s)
	if s == conn.StateTerminated {
		c.mu.Lock()
		c.state.Store(int32(StateTerminated))
		c.cond.Broadcast()
		c.mu.Unlock()
		c.notifyListeners(StateTerminated)
		c.terminateOnce.Do(func() {
			close(c.terminatedCh)
			go c.pool.Close()
		})
	}
}

// LocalId returns this client's own identity.
func (c *Client) LocalId() wire.MaritimeId { return c.protocol.LocalID() }

// State returns the current coarse public state. Lock-free by design,
// matching spec.md §3's "state is readable without the mutex".
func (c *Client) State() State { return State(c.state.Load()) }

// AddStateListener registers fn to be called on every state transition.
// It returns a token for RemoveStateListener — Go function values are
// not comparable, so unlike spec.md's fn-keyed removeStateListener(fn),
// removal here is by handle, the same adaptation ListenFor/Subscription
// already makes for broadcast listeners.
func (c *Client) AddStateListener(fn func(State)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, stateListener{id: id, fn: fn})
	return id
}

// RemoveStateListener removes a listener registered via
// AddStateListener. Idempotent.
func (c *Client) RemoveStateListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]stateListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		if l.id != id {
			next = append(next, l)
		}
	}
	c.listeners = next
}

func (c *Client) notifyListeners(s State) {
	c.mu.Lock()
	listeners := make([]stateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		l.fn(s)
	}
}

// AwaitTerminated blocks until the client reaches TERMINATED or timeout
// elapses, returning whether it did.
func (c *Client) AwaitTerminated(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-c.terminatedCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// AwaitState blocks until State() equals want or ctx is done, resolving
// SPEC_FULL.md §OQ.1's getState()/awaitState(). It is built entirely out
// of the public listener mechanism's state field plus a broadcast
// sync.Cond over the same mutex AddStateListener already uses, adding no
// new synchronization primitive spec.md didn't already require.
//
// sync.Cond.Wait cannot itself observe ctx, so a watcher goroutine
// broadcasts on ctx.Done() purely to wake this call and let it recheck
// ctx.Err(); it never touches State itself.
func (c *Client) AwaitState(ctx context.Context, want State) error {
	if State(c.state.Load()) == want {
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for State(c.state.Load()) != want {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// Close initiates orderly shutdown: transitions state, stops the
// periodic position task, shuts down the Transport, and fails all
// pending futures with ConnectionLost (spec.md §4.G). It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if State(c.state.Load()) == StateClosed || State(c.state.Load()) == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(StateClosed))
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notifyListeners(StateClosed)
	c.protocol.Close("client closed")
}

// Broadcast sends payload on channel, returning a future with two
// milestones (spec.md §4.E sendBroadcast): ReceivedOnServer and an
// open-ended ack stream. opts overrides Config.DefaultBroadcastOptions
// if given.
func (c *Client) Broadcast(channel string, payload any, opts ...wire.BroadcastOptions) (*broadcast.Future, error) {
	return broadcast.SendBroadcast(c.bcast, channel, payload, opts...)
}

// BroadcastListen subscribes listener to every broadcast delivered on
// channel, decoding each payload into T (spec.md §4.E listenFor).
func BroadcastListen[T any](c *Client, channel string, listener func(broadcast.Header, T)) *broadcast.Subscription {
	return broadcast.ListenFor(c.bcast, channel, listener)
}

// RegisterService binds handler to point's channel, so inbound
// InvokeService calls for it are validated and dispatched to handler on
// a pool worker (spec.md §4.D serviceRegister).
func RegisterService[In, Out any](c *Client, point *service.InitiationPoint[In, Out], handler service.Handler[In, Out]) (*service.ServiceRegistration, error) {
	return service.RegisterService(c.services, point, handler)
}

// FindService returns a locator that can query the server for providers
// of point's channel (spec.md §4.D serviceFind).
func FindService[In, Out any](c *Client, point *service.InitiationPoint[In, Out]) *service.ServiceLocator {
	return service.FindService(c.services, point)
}

// InvokeService calls dst's handler for point's channel with message,
// returning a future for the typed result (spec.md §4.D serviceInvoke).
func InvokeService[In, Out any](c *Client, dst wire.MaritimeId, point *service.InitiationPoint[In, Out], message In) (*future.Future[Out], error) {
	return service.Invoke(c.services, dst, point, message)
}
