package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/errs"
	"github.com/dma-graveyard/enav-network/transport/transporttest"
	"github.com/dma-graveyard/enav-network/wire"
	"github.com/dma-graveyard/enav-network/workerpool"
)

type getNameParams struct {
	Greeting string `json:"greeting"`
}

type getNameResult struct {
	Name string `json:"name"`
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func deliver(t *testing.T, fake *transporttest.Fake, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("wire.Encode(%T) error = %v", msg, err)
	}
	fake.Deliver(data)
}

// newTestManager dials a Protocol over a fresh Fake transport and
// completes the handshake, returning a Manager bound to it.
func newTestManager(t *testing.T) (*Manager, *transporttest.Fake, *conn.Protocol) {
	t.Helper()
	fake := &transporttest.Fake{}
	p := conn.NewProtocol(conn.Config{URL: "ws://test", HandshakeTimeout: time.Second}, fake, "ID1", func() (wire.PositionTime, bool) {
		return wire.PositionTime{}, false
	})

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	waitUntil(t, time.Second, func() bool { return fake.ConnectCount() >= 1 })
	deliver(t, fake, &wire.Welcome{ProtocolVersion: "1", ServerId: "SRV"})
	deliver(t, fake, &wire.Connected{ConnectionId: "conn-1"})
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	m := NewManager(p, pool, "ID1", nil)
	return m, fake, p
}

func TestRegisterServiceAlreadyRegistered(t *testing.T) {
	m, fake, _ := newTestManager(t)
	point, err := NewInitiationPoint[getNameParams, getNameResult]("HelloService")
	if err != nil {
		t.Fatalf("NewInitiationPoint() error = %v", err)
	}
	handler := func(ctx context.Context, src wire.MaritimeId, in getNameParams) (getNameResult, error) {
		return getNameResult{Name: "hi"}, nil
	}

	reg1, err := RegisterService(m, point, handler)
	if err != nil {
		t.Fatalf("first RegisterService() error = %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(fake.Sent()) >= 1 })

	if _, err := RegisterService(m, point, handler); !errors.Is(err, errs.ErrAlreadyRegistered) {
		t.Fatalf("second RegisterService() error = %v, want ErrAlreadyRegistered", err)
	}

	reg1.Unregister()
	if _, err := RegisterService(m, point, handler); err != nil {
		t.Fatalf("RegisterService() after Unregister() error = %v, want nil", err)
	}
}

func TestInboundInvokeDispatchesToRegisteredHandler(t *testing.T) {
	m, fake, _ := newTestManager(t)
	point, err := NewInitiationPoint[getNameParams, getNameResult]("HelloService")
	if err != nil {
		t.Fatalf("NewInitiationPoint() error = %v", err)
	}
	if _, err := RegisterService(m, point, func(ctx context.Context, src wire.MaritimeId, in getNameParams) (getNameResult, error) {
		return getNameResult{Name: "hi " + in.Greeting}, nil
	}); err != nil {
		t.Fatalf("RegisterService() error = %v", err)
	}

	payload, err := json.Marshal(getNameParams{Greeting: "there"})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	deliver(t, fake, &wire.InvokeService{
		Src:          "ID6",
		Dst:          "ID1",
		ServiceName:  "HelloService",
		Payload:      payload,
		InvocationId: "invoke-1",
	})

	var ack *wire.InvokeServiceAck
	waitUntil(t, time.Second, func() bool {
		for _, frame := range fake.Sent() {
			msg, err := wire.Decode(frame)
			if err != nil {
				continue
			}
			if a, ok := msg.(*wire.InvokeServiceAck); ok && a.InvocationId == "invoke-1" {
				ack = a
				return true
			}
		}
		return false
	})
	if ack.Err != "" {
		t.Fatalf("ack.Err = %q, want empty", ack.Err)
	}
	var result getNameResult
	if err := json.Unmarshal(ack.Result, &result); err != nil {
		t.Fatalf("json.Unmarshal(ack.Result) error = %v", err)
	}
	if result.Name != "hi there" {
		t.Fatalf("result.Name = %q, want %q", result.Name, "hi there")
	}
}

func TestInboundInvokeUnknownChannel(t *testing.T) {
	_, fake, _ := newTestManager(t)

	deliver(t, fake, &wire.InvokeService{
		Src:          "ID6",
		Dst:          "ID1",
		ServiceName:  "NoSuchService",
		InvocationId: "invoke-2",
	})

	var ack *wire.InvokeServiceAck
	waitUntil(t, time.Second, func() bool {
		for _, frame := range fake.Sent() {
			msg, err := wire.Decode(frame)
			if err != nil {
				continue
			}
			if a, ok := msg.(*wire.InvokeServiceAck); ok && a.InvocationId == "invoke-2" {
				ack = a
				return true
			}
		}
		return false
	})
	if ack.Err == "" {
		t.Fatal("ack.Err = \"\", want a no-such-channel error")
	}
}
