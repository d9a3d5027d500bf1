package wire

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
)

// ReplyToCounter hands out the strictly increasing replyTo values spec.md
// §3 requires ("unique for the lifetime of the process and strictly
// increasing"). Grounded on the teacher's atomic id counters
// (mcp/tasks_server.go's serverTasks.next, ethereum rpc/client.go's
// idCounter).
type ReplyToCounter struct {
	next atomic.Int64
}

// Next returns the next replyTo value, starting at 1.
func (c *ReplyToCounter) Next() int64 {
	return c.next.Add(1)
}

// NewRandomID returns a random 128-bit hex string, suitable for
// InvocationId or BroadcastId. Grounded on mcp/util.go's randText and
// mcp/tasks_server.go's crypto/rand + encoding/hex id minting.
func NewRandomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("wire: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
