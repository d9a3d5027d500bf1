// Package wire defines the maritime connection protocol's wire messages:
// a closed set of tagged variants framed as a JSON array whose first
// element selects the decoder.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType is the first element of every wire frame, selecting which
// variant the remaining array elements decode into.
type MessageType int

const (
	TypeWelcome MessageType = iota + 1
	TypeHello
	TypeConnected
	TypeBye
	TypePing
	TypeServerRequest
	TypeServerResponse
	TypeInvokeService
	TypeInvokeServiceAck
	TypeBroadcastSend
	TypeBroadcastSendAck
	TypeBroadcastDeliver
	TypeBroadcastAck
	TypePositionReport
)

func (t MessageType) String() string {
	switch t {
	case TypeWelcome:
		return "Welcome"
	case TypeHello:
		return "Hello"
	case TypeConnected:
		return "Connected"
	case TypeBye:
		return "Bye"
	case TypePing:
		return "Ping"
	case TypeServerRequest:
		return "ServerRequest"
	case TypeServerResponse:
		return "ServerResponse"
	case TypeInvokeService:
		return "InvokeService"
	case TypeInvokeServiceAck:
		return "InvokeServiceAck"
	case TypeBroadcastSend:
		return "BroadcastSend"
	case TypeBroadcastSendAck:
		return "BroadcastSendAck"
	case TypeBroadcastDeliver:
		return "BroadcastDeliver"
	case TypeBroadcastAck:
		return "BroadcastAck"
	case TypePositionReport:
		return "PositionReport"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is implemented by every wire variant. isMessage is unexported so
// the set of variants is closed to this package, per DESIGN NOTES: a tagged
// union dispatched on MessageType, not a class hierarchy.
type Message interface {
	Type() MessageType
	isMessage()
}

// MaritimeId is the stable opaque identity of a peer.
type MaritimeId string

// PositionTime is an immutable (latitude, longitude, timestamp) fix.
type PositionTime struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timestamp int64   `json:"ts"` // unix millis
}

// Welcome is sent by the server immediately after transport open.
type Welcome struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerId        MaritimeId `json:"serverId"`
	Banner          string     `json:"banner,omitempty"`
}

func (*Welcome) Type() MessageType { return TypeWelcome }
func (*Welcome) isMessage()        {}

// Hello is the client's handshake reply to Welcome.
type Hello struct {
	ClientId MaritimeId    `json:"clientId"`
	Position *PositionTime `json:"position,omitempty"`
	// AuthToken carries an optional bearer token attached by the host
	// application (see Config.TokenSource); the core never inspects it.
	AuthToken string `json:"authToken,omitempty"`
}

func (*Hello) Type() MessageType { return TypeHello }
func (*Hello) isMessage()        {}

// Connected completes the handshake. A ConnectionId the client has seen
// before signals a resumed session (RESUMING); a new one signals a fresh
// session (CONNECTED).
type Connected struct {
	ConnectionId string `json:"connectionId"`
}

func (*Connected) Type() MessageType { return TypeConnected }
func (*Connected) isMessage()        {}

// Bye signals orderly close, client- or server-initiated.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}

func (*Bye) Type() MessageType { return TypeBye }
func (*Bye) isMessage()        {}

// Ping is a one-way keepalive frame sent on Config.KeepAliveInterval while
// CONNECTED. Supplements spec.md's configuration collaborator, which names
// KeepAliveInterval without assigning it a consumer.
type Ping struct{}

func (*Ping) Type() MessageType { return TypePing }
func (*Ping) isMessage()        {}

// Request kinds for the generic server request/response channel (spec.md
// §3's ServerRequest<T>/ServerResponse<T>). Unlike the client-to-client
// kinds below, these are pure client<->server exchanges: service
// registration and discovery.
const (
	KindRegisterService = "registerService"
	KindFindService      = "findService"
)

// RequestFrame is the wire envelope for a ServerRequest<T>: a client
// assigned, strictly increasing ReplyTo, a Kind selecting how Payload
// decodes, and the still-encoded Payload.
type RequestFrame struct {
	ReplyTo int64           `json:"replyTo"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (*RequestFrame) Type() MessageType { return TypeServerRequest }
func (*RequestFrame) isMessage()        {}

// ResponseFrame is the wire envelope for a ServerResponse<T>, matching a
// RequestFrame's ReplyTo via MessageAck.
type ResponseFrame struct {
	MessageAck int64           `json:"messageAck"`
	Kind       string          `json:"kind"`
	Result     json.RawMessage `json:"result,omitempty"`
	Err        string          `json:"error,omitempty"`
}

func (*ResponseFrame) Type() MessageType { return TypeServerResponse }
func (*ResponseFrame) isMessage()        {}

// ServerRequest is the typed view of a RequestFrame once Payload has been
// decoded into T.
type ServerRequest[T any] struct {
	ReplyTo int64
	Payload T
}

// ServerResponse is the typed view of a ResponseFrame once Result has been
// decoded into T. Err is non-empty iff the server reported RemoteFailure.
type ServerResponse[T any] struct {
	MessageAck int64
	Result     T
	Err        string
}

// EncodeRequest builds the wire RequestFrame for a typed ServerRequest.
func EncodeRequest[T any](replyTo int64, kind string, payload T) (*RequestFrame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode request payload: %w", err)
	}
	return &RequestFrame{ReplyTo: replyTo, Kind: kind, Payload: data}, nil
}

// DecodeResponse decodes a ResponseFrame's Result into a typed
// ServerResponse. If the frame carries Err, Result is left zero and Err is
// propagated so the caller can surface RemoteFailure.
func DecodeResponse[T any](f *ResponseFrame) (*ServerResponse[T], error) {
	out := &ServerResponse[T]{MessageAck: f.MessageAck, Err: f.Err}
	if f.Err != "" || len(f.Result) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(f.Result, &out.Result); err != nil {
		return nil, fmt.Errorf("wire: decode response result: %w", err)
	}
	return out, nil
}

// RegisterServiceParams requests that Channel be bound to the caller.
type RegisterServiceParams struct {
	Channel string `json:"channel"`
}

// RegisterServiceResult confirms a RegisterServiceParams request.
type RegisterServiceResult struct {
	Channel string `json:"channel"`
}

// FindServiceParams requests providers of Channel.
type FindServiceParams struct {
	Channel string `json:"channel"`
}

// FindServiceResult lists providers of a channel, nearest first.
type FindServiceResult struct {
	Providers []MaritimeId `json:"providers"`
}

// InvokeService is a client-to-client RPC call routed through the server.
// It is tracked by InvocationId, not by the ServerRequest replyTo channel.
type InvokeService struct {
	Src          MaritimeId `json:"src"`
	Dst          MaritimeId `json:"dst"`
	ServiceName  string     `json:"serviceName"`
	Payload      []byte     `json:"payload"`
	InvocationId string     `json:"invocationId"`
}

func (*InvokeService) Type() MessageType { return TypeInvokeService }
func (*InvokeService) isMessage()        {}

// InvokeServiceAck completes an InvokeService call.
type InvokeServiceAck struct {
	InvocationId string `json:"invocationId"`
	Result       []byte `json:"result,omitempty"`
	Err          string `json:"error,omitempty"`
}

func (*InvokeServiceAck) Type() MessageType { return TypeInvokeServiceAck }
func (*InvokeServiceAck) isMessage()        {}

// BroadcastOptions are forwarded verbatim to the server; the core never
// interprets them (spec.md §4.E).
type BroadcastOptions struct {
	AreaLatitude    float64 `json:"areaLat,omitempty"`
	AreaLongitude   float64 `json:"areaLon,omitempty"`
	RadiusMeters    float64 `json:"radiusMeters,omitempty"`
	TTL             int64   `json:"ttlSeconds,omitempty"`
	ReceiptRequired bool    `json:"receiptRequired,omitempty"`
}

// BroadcastSend requests fan-out delivery of Payload on Channel. Like
// InvokeService, it is tracked by BroadcastId, not by the ServerRequest
// replyTo channel (spec.md §4.E: "tracked in a weak-valued map keyed by
// broadcastId").
type BroadcastSend struct {
	Src         MaritimeId       `json:"src"`
	Position    *PositionTime    `json:"position,omitempty"`
	Channel     string           `json:"channel"`
	Payload     []byte           `json:"payload"`
	Options     BroadcastOptions `json:"options"`
	BroadcastId string           `json:"broadcastId"`
}

func (*BroadcastSend) Type() MessageType { return TypeBroadcastSend }
func (*BroadcastSend) isMessage()        {}

// BroadcastSendAck is the server's receipt acknowledgement for a
// BroadcastSend: the BroadcastFuture's first milestone.
type BroadcastSendAck struct {
	BroadcastId string `json:"broadcastId"`
}

func (*BroadcastSendAck) Type() MessageType { return TypeBroadcastSendAck }
func (*BroadcastSendAck) isMessage()        {}

// BroadcastDeliver is inbound fan-out delivery to a subscriber.
type BroadcastDeliver struct {
	Src      MaritimeId    `json:"src"`
	Position *PositionTime `json:"position,omitempty"`
	Channel  string        `json:"channel"`
	Payload  []byte        `json:"payload"`
}

func (*BroadcastDeliver) Type() MessageType { return TypeBroadcastDeliver }
func (*BroadcastDeliver) isMessage()        {}

// BroadcastAck is a single per-recipient acknowledgement event in a
// BroadcastFuture's ack stream.
type BroadcastAck struct {
	BroadcastId  string        `json:"broadcastId"`
	RecipientId  MaritimeId    `json:"recipientId"`
	RecipientPos *PositionTime `json:"recipientPosition,omitempty"`
}

func (*BroadcastAck) Type() MessageType { return TypeBroadcastAck }
func (*BroadcastAck) isMessage()        {}

// PositionReport is the PositionManager's one-way position publication
// (spec.md §4.F), sent on Config.positionInterval while CONNECTED.
type PositionReport struct {
	Position PositionTime `json:"position"`
}

func (*PositionReport) Type() MessageType { return TypePositionReport }
func (*PositionReport) isMessage()        {}
