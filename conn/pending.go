package conn

import (
	"github.com/dma-graveyard/enav-network/errs"
	"github.com/dma-graveyard/enav-network/future"
	"github.com/dma-graveyard/enav-network/wire"
)

// pendingEntry is the type-erased view of a PendingRequests entry
// (spec.md §3): enough to re-encode the original frame for replay and to
// resolve or fail the caller's future, without the Protocol needing to
// know T for every entry in the map. Grounded on the teacher's generic
// ClientRequest[T]/ServerRequest[T] pattern (mcp/requests.go) collapsed
// to an interface so a single map can hold entries of different T.
type pendingEntry interface {
	replyTo() int64
	frame() *wire.RequestFrame
	complete(resp *wire.ResponseFrame)
	fail(err error)
}

type typedPending[T any] struct {
	f   *future.Future[T]
	req *wire.RequestFrame
}

func (p *typedPending[T]) replyTo() int64          { return p.req.ReplyTo }
func (p *typedPending[T]) frame() *wire.RequestFrame { return p.req }

func (p *typedPending[T]) complete(resp *wire.ResponseFrame) {
	decoded, err := wire.DecodeResponse[T](resp)
	if err != nil {
		p.f.Fail(err)
		return
	}
	if decoded.Err != "" {
		p.f.Fail(errs.NewRemoteFailure(decoded.Err))
		return
	}
	p.f.Complete(decoded.Result)
}

func (p *typedPending[T]) fail(err error) { p.f.Fail(err) }

// Pending is the handle a caller (ServiceManager, BroadcastManager) holds
// for an in-flight ServerRequest[T]. It wraps future.Future[T] and adds
// Cancel semantics that also remove the entry from PendingRequests
// (spec.md §4.C "Cancellation": "removes its entry from PendingRequests
// but does not send a cancel frame").
type Pending[T any] struct {
	*future.Future[T]
	id    int64
	owner *Protocol
}

// Cancel removes this request from PendingRequests and resolves the
// future as cancelled. The replyTo id is also recorded as cancelled, so a
// late response for it is discarded instead of being treated as an
// orphan response.
func (p *Pending[T]) Cancel() bool {
	ok := p.Future.Cancel()
	if ok {
		p.owner.removePending(p.id)
	}
	return ok
}

// ReplyTo returns the replyTo id this request was assigned.
func (p *Pending[T]) ReplyTo() int64 { return p.id }
