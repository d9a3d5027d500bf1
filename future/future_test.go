package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompleteResolvesGet(t *testing.T) {
	f := New[string]()
	if !f.Complete("hi") {
		t.Fatal("Complete() = false on pending future")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := f.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "hi" {
		t.Fatalf("Get() = %q, want %q", got, "hi")
	}
}

func TestFirstResolutionWins(t *testing.T) {
	f := New[int]()
	if !f.Complete(1) {
		t.Fatal("first Complete() = false")
	}
	if f.Complete(2) {
		t.Fatal("second Complete() = true, want no-op")
	}
	if f.Fail(errors.New("boom")) {
		t.Fatal("Fail() after Complete() = true, want no-op")
	}
	v, err := f.Get(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("Get() = (%v, %v), want (1, nil)", v, err)
	}
}

func TestCancelledNeverFiresCompletionCallback(t *testing.T) {
	f := New[int]()
	fired := false
	f.OnComplete(func(int, error) { fired = true })
	f.Cancel()
	if fired {
		t.Fatal("OnComplete callback fired on cancel")
	}
	if !f.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel()")
	}
	// A callback registered after the cancel must not fire either, and a
	// subsequent Complete must be a no-op.
	calls := 0
	f.OnComplete(func(int, error) { calls++ })
	if calls != 0 {
		t.Fatalf("OnComplete registered after Cancel fired %d times, want 0", calls)
	}
	if f.Complete(42) {
		t.Fatal("Complete() after Cancel() succeeded, want no-op")
	}
}

func TestGetTimesOutLocally(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx)
	if err == nil {
		t.Fatal("Get() on a never-resolved future succeeded; want timeout error")
	}
}

func TestOnCompleteFiresOnceInRegistrationOrder(t *testing.T) {
	f := New[int]()
	var order []int
	f.OnComplete(func(int, error) { order = append(order, 1) })
	f.OnComplete(func(int, error) { order = append(order, 2) })
	f.Complete(7)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("callback order = %v, want [1 2]", order)
	}
}
