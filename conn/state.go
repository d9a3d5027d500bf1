package conn

import "fmt"

// State is ConnectionProtocol's fine-grained session state, spec.md
// §4.C's diagram:
//
//	CREATED --connect--> HANDSHAKING --Connected(new)--> CONNECTED
//	                         |                              |
//	                         +--Connected(resumed)--> RESUMING --drain replay--> CONNECTED
//	CONNECTED --transport.close--> RECONNECTING --connect--> HANDSHAKING
//	any --close()--> CLOSING --drain--> TERMINATED
//
// This is finer-grained than the public Client state (spec.md §3:
// CREATED/CONNECTED/CLOSED/TERMINATED) — RESUMING and RECONNECTING are
// internal to the protocol and never surface as a distinct public state.
type State int32

const (
	StateCreated State = iota
	StateHandshaking
	StateConnected
	StateResuming
	StateReconnecting
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateResuming:
		return "RESUMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
