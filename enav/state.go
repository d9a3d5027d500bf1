package enav

import "fmt"

// State is the ClientFacade's coarse public state machine (spec.md §3):
// CREATED at construction, CONNECTED on first successful handshake,
// CLOSED on externally requested shutdown, TERMINATED once all
// background activity has quiesced. It deliberately does not surface
// conn.Protocol's finer RESUMING/RECONNECTING states — a client that
// drops and resumes a connection is still CONNECTED from the
// application's point of view.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateClosed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
