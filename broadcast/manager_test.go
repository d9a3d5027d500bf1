package broadcast

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/dma-graveyard/enav-network/conn"
	"github.com/dma-graveyard/enav-network/errs"
	"github.com/dma-graveyard/enav-network/transport/transporttest"
	"github.com/dma-graveyard/enav-network/wire"
	"github.com/dma-graveyard/enav-network/workerpool"
)

type weatherReport struct {
	Summary string `json:"summary"`
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

func newTestManager(t *testing.T) (*Manager, *transporttest.Fake, *conn.Protocol) {
	t.Helper()
	fake := &transporttest.Fake{}
	p := conn.NewProtocol(conn.Config{URL: "ws://test", HandshakeTimeout: time.Second}, fake, "ID1", func() (wire.PositionTime, bool) {
		return wire.PositionTime{Latitude: 1, Longitude: 2, Timestamp: 3}, true
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
	m := NewManager(p, pool, "ID1", func() (wire.PositionTime, bool) { return wire.PositionTime{}, false }, wire.BroadcastOptions{}, nil, nil)
	return m, fake, p
}

func lastBroadcastSend(t *testing.T, fake *transporttest.Fake) *wire.BroadcastSend {
	t.Helper()
	for i := len(fake.Sent()) - 1; i >= 0; i-- {
		msg, err := wire.Decode(fake.Sent()[i])
		if err != nil {
			continue
		}
		if bs, ok := msg.(*wire.BroadcastSend); ok {
			return bs
		}
	}
	t.Fatal("no BroadcastSend frame found")
	return nil
}

func TestSendBroadcastReceivedOnServer(t *testing.T) {
	m, fake, _ := newTestManager(t)

	fut, err := SendBroadcast(m, "Weather", weatherReport{Summary: "calm"})
	if err != nil {
		t.Fatalf("SendBroadcast() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(fake.Sent()) >= 2 }) // Hello + BroadcastSend
	sent := lastBroadcastSend(t, fake)

	deliver(t, fake, &wire.BroadcastSendAck{BroadcastId: sent.BroadcastId})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fut.ReceivedOnServer(ctx); err != nil {
		t.Fatalf("ReceivedOnServer() error = %v", err)
	}
}

func TestSendBroadcastAckStream(t *testing.T) {
	m, fake, _ := newTestManager(t)

	fut, err := SendBroadcast(m, "Weather", weatherReport{Summary: "calm"})
	if err != nil {
		t.Fatalf("SendBroadcast() error = %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(fake.Sent()) >= 2 })
	sent := lastBroadcastSend(t, fake)

	deliver(t, fake, &wire.BroadcastSendAck{BroadcastId: sent.BroadcastId})
	deliver(t, fake, &wire.BroadcastAck{BroadcastId: sent.BroadcastId, RecipientId: "ID6"})
	deliver(t, fake, &wire.BroadcastAck{BroadcastId: sent.BroadcastId, RecipientId: "ID7"})

	waitUntil(t, time.Second, func() bool { return len(fut.Acks()) == 2 })
	acks := fut.Acks()
	if acks[0].Id != "ID6" || acks[1].Id != "ID7" {
		t.Fatalf("Acks() = %+v, want [ID6 ID7]", acks)
	}
}

func TestListenForDispatchesDecodedPayload(t *testing.T) {
	m, fake, _ := newTestManager(t)

	var got weatherReport
	var gotHeader Header
	done := make(chan struct{}, 1)
	sub := ListenFor(m, "Weather", func(h Header, payload weatherReport) {
		got = payload
		gotHeader = h
		done <- struct{}{}
	})
	defer sub.Unsubscribe()

	data := []byte(`{"summary":"storm"}`)
	deliver(t, fake, &wire.BroadcastDeliver{Src: "ID6", Channel: "Weather", Payload: data})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}
	if got.Summary != "storm" {
		t.Fatalf("payload.Summary = %q, want %q", got.Summary, "storm")
	}
	if gotHeader.Src != "ID6" {
		t.Fatalf("header.Src = %q, want ID6", gotHeader.Src)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, fake, _ := newTestManager(t)

	calls := 0
	sub := ListenFor(m, "Weather", func(h Header, payload weatherReport) { calls++ })
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	deliver(t, fake, &wire.BroadcastDeliver{Src: "ID6", Channel: "Weather", Payload: []byte(`{"summary":"storm"}`)})
	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after Unsubscribe", calls)
	}
}

func TestSendBroadcastFailsOnFault(t *testing.T) {
	m, fake, _ := newTestManager(t)

	fut, err := SendBroadcast(m, "Weather", weatherReport{Summary: "calm"})
	if err != nil {
		t.Fatalf("SendBroadcast() error = %v", err)
	}

	deliver(t, fake, &wire.ResponseFrame{MessageAck: 99999}) // orphan -> protocol fault

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fut.ReceivedOnServer(ctx); !errors.Is(err, errs.ErrConnectionLost) {
		t.Fatalf("ReceivedOnServer() error = %v, want ErrConnectionLost", err)
	}
}

func TestLateAckAfterFutureDroppedIsDiscarded(t *testing.T) {
	m, fake, _ := newTestManager(t)

	fut, err := SendBroadcast(m, "Weather", weatherReport{Summary: "calm"})
	if err != nil {
		t.Fatalf("SendBroadcast() error = %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(fake.Sent()) >= 2 })
	broadcastID := lastBroadcastSend(t, fake).BroadcastId
	fut = nil
	runtime.GC()
	runtime.GC()

	// Deliver an ack for a broadcastId whose Future is gone: must not
	// panic, and the id is simply a no-op lookup.
	deliver(t, fake, &wire.BroadcastAck{BroadcastId: broadcastID, RecipientId: "ID6"})
	time.Sleep(20 * time.Millisecond)
	_ = fut
}
