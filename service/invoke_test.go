package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dma-graveyard/enav-network/errs"
	"github.com/dma-graveyard/enav-network/wire"
)

func TestInvokeResolvesOnAck(t *testing.T) {
	m, fake, _ := newTestManager(t)
	point, err := NewInitiationPoint[getNameParams, getNameResult]("HelloService")
	if err != nil {
		t.Fatalf("NewInitiationPoint() error = %v", err)
	}

	fut, err := Invoke(m, "ID1", point, getNameParams{Greeting: "there"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	var invocationID string
	waitUntil(t, time.Second, func() bool {
		for _, frame := range fake.Sent() {
			msg, err := wire.Decode(frame)
			if err != nil {
				continue
			}
			if inv, ok := msg.(*wire.InvokeService); ok {
				invocationID = inv.InvocationId
				return true
			}
		}
		return false
	})

	deliver(t, fake, &wire.InvokeServiceAck{InvocationId: invocationID, Result: []byte(`{"name":"hi there"}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := fut.Get(ctx)
	if err != nil {
		t.Fatalf("fut.Get() error = %v", err)
	}
	if result.Name != "hi there" {
		t.Fatalf("result.Name = %q, want %q", result.Name, "hi there")
	}
}

func TestInvokeRemoteFailure(t *testing.T) {
	m, fake, _ := newTestManager(t)
	point, err := NewInitiationPoint[getNameParams, getNameResult]("HelloService")
	if err != nil {
		t.Fatalf("NewInitiationPoint() error = %v", err)
	}

	fut, err := Invoke(m, "ID1", point, getNameParams{Greeting: "there"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	var invocationID string
	waitUntil(t, time.Second, func() bool {
		for _, frame := range fake.Sent() {
			msg, decErr := wire.Decode(frame)
			if decErr != nil {
				continue
			}
			if inv, ok := msg.(*wire.InvokeService); ok {
				invocationID = inv.InvocationId
				return true
			}
		}
		return false
	})

	deliver(t, fake, &wire.InvokeServiceAck{InvocationId: invocationID, Err: "boom"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var remote *errs.RemoteFailure
	if _, err := fut.Get(ctx); !errors.As(err, &remote) {
		t.Fatalf("fut.Get() error = %v, want *errs.RemoteFailure", err)
	}
}

func TestInvokeFailsOnFault(t *testing.T) {
	m, fake, _ := newTestManager(t)
	point, err := NewInitiationPoint[getNameParams, getNameResult]("HelloService")
	if err != nil {
		t.Fatalf("NewInitiationPoint() error = %v", err)
	}

	fut, err := Invoke(m, "ID1", point, getNameParams{Greeting: "there"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	// An orphan ServerResponse triggers a protocol fault, which fails
	// every in-flight serviceInvoke future via Manager.onFault.
	deliver(t, fake, &wire.ResponseFrame{MessageAck: 99999})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := fut.Get(ctx); !errors.Is(err, errs.ErrConnectionLost) {
		t.Fatalf("fut.Get() error = %v, want ErrConnectionLost", err)
	}
}

func TestFindServiceNearestNoProvider(t *testing.T) {
	m, fake, _ := newTestManager(t)
	point, err := NewInitiationPoint[getNameParams, getNameResult]("HelloService")
	if err != nil {
		t.Fatalf("NewInitiationPoint() error = %v", err)
	}
	locator := FindService(m, point)

	type outcome struct {
		id  wire.MaritimeId
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		id, err := locator.Nearest(ctx)
		done <- outcome{id: id, err: err}
	}()

	waitUntil(t, time.Second, func() bool {
		for _, frame := range fake.Sent() {
			msg, decErr := wire.Decode(frame)
			if decErr != nil {
				continue
			}
			if req, ok := msg.(*wire.RequestFrame); ok && req.Kind == wire.KindFindService {
				deliver(t, fake, &wire.ResponseFrame{MessageAck: req.ReplyTo, Kind: wire.KindFindService, Result: []byte(`{"providers":[]}`)})
				return true
			}
		}
		return false
	})

	select {
	case out := <-done:
		if !errors.Is(out.err, errs.ErrNoProvider) {
			t.Fatalf("Nearest() error = %v, want ErrNoProvider", out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("Nearest() did not return in time")
	}
}
