// Package future implements ConnectionFuture<T>: a single-shot,
// cancellable result slot with three transitions (PENDING -> COMPLETED |
// FAILED | CANCELLED), spec.md §3. Grounded on the teacher's ethereum-style
// requestOp.wait(ctx) channel-based future
// (other_examples/5b80f049_ethereum-go-ethereum__rpc-client.go.go) and the
// blocking-until-resolved shape of teacher helpers like awaitRegistered.
package future

import (
	"context"
	"sync"

	"github.com/dma-graveyard/enav-network/errs"
)

type status int32

const (
	pending status = iota
	completed
	failed
	cancelled
)

// Future is a single-shot result awaiting a protocol response.
type Future[T any] struct {
	mu        sync.Mutex
	st        status
	val       T
	err       error
	done      chan struct{}
	callbacks []func(T, error)
}

// New returns a pending Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete resolves the future successfully. It is a no-op if the future
// has already left PENDING; the first call wins.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(func() {
		f.st = completed
		f.val = v
	})
}

// Fail resolves the future with an error. It is a no-op if the future has
// already left PENDING.
func (f *Future[T]) Fail(err error) bool {
	return f.resolve(func() {
		f.st = failed
		f.err = err
	})
}

// Cancel removes the future from PENDING without sending any wire effect;
// a late response arriving afterward is discarded by the caller (spec.md
// §4.C "Cancellation"). Callbacks registered with OnComplete never fire
// for a cancelled future.
func (f *Future[T]) Cancel() bool {
	return f.resolve(func() {
		f.st = cancelled
		f.err = errs.ErrCancelled
	})
}

func (f *Future[T]) resolve(mutate func()) bool {
	f.mu.Lock()
	if f.st != pending {
		f.mu.Unlock()
		return false
	}
	mutate()
	cbs := f.callbacks
	f.callbacks = nil
	if f.st == cancelled {
		cbs = nil
	}
	val, err := f.val, f.err
	f.mu.Unlock()
	close(f.done)
	for _, cb := range cbs {
		cb(val, err)
	}
	return true
}

// Get blocks until the future completes, fails, is cancelled, or ctx is
// done, whichever comes first. A ctx expiry returns errs.ErrTimeout
// locally; the pending wire-level entry, if any, is left for the caller's
// owner (e.g. ConnectionProtocol) to clean up separately.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, errs.ErrTimeout
	}
}

// Done returns a channel closed when the future leaves PENDING.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// OnComplete registers a callback that fires at most once, in the order
// registered, when the future completes or fails. If it has already
// completed or failed, the callback fires immediately (synchronously, on
// the calling goroutine). A cancelled future never fires its callbacks.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if f.st == pending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	if f.st == cancelled {
		f.mu.Unlock()
		return
	}
	val, err := f.val, f.err
	f.mu.Unlock()
	cb(val, err)
}

// Cancelled reports whether the future was cancelled.
func (f *Future[T]) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st == cancelled
}
