package wire

import (
	"encoding/json"
	"fmt"
)

// Encode frames msg as a JSON array "[typeID, field1, field2, ...]",
// matching spec.md §6's wire protocol.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Welcome:
		return encodeArray(TypeWelcome, m.ProtocolVersion, m.ServerId, m.Banner)
	case *Hello:
		return encodeArray(TypeHello, m.ClientId, m.Position, m.AuthToken)
	case *Connected:
		return encodeArray(TypeConnected, m.ConnectionId)
	case *Bye:
		return encodeArray(TypeBye, m.Reason)
	case *Ping:
		return encodeArray(TypePing)
	case *RequestFrame:
		return encodeArray(TypeServerRequest, m.ReplyTo, m.Kind, m.Payload)
	case *ResponseFrame:
		return encodeArray(TypeServerResponse, m.MessageAck, m.Kind, m.Result, m.Err)
	case *InvokeService:
		return encodeArray(TypeInvokeService, m.Src, m.Dst, m.ServiceName, m.Payload, m.InvocationId)
	case *InvokeServiceAck:
		return encodeArray(TypeInvokeServiceAck, m.InvocationId, m.Result, m.Err)
	case *BroadcastSend:
		return encodeArray(TypeBroadcastSend, m.Src, m.Position, m.Channel, m.Payload, m.Options, m.BroadcastId)
	case *BroadcastSendAck:
		return encodeArray(TypeBroadcastSendAck, m.BroadcastId)
	case *BroadcastDeliver:
		return encodeArray(TypeBroadcastDeliver, m.Src, m.Position, m.Channel, m.Payload)
	case *BroadcastAck:
		return encodeArray(TypeBroadcastAck, m.BroadcastId, m.RecipientId, m.RecipientPos)
	case *PositionReport:
		return encodeArray(TypePositionReport, m.Position)
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
}

func encodeArray(t MessageType, fields ...any) ([]byte, error) {
	arr := make([]any, 0, len(fields)+1)
	arr = append(arr, int(t))
	arr = append(arr, fields...)
	return json.Marshal(arr)
}

// Decode parses a text frame into its typed Message, dispatching on the
// first array element. It is the MessageBus's sole entry point for inbound
// frames (spec.md §4.B).
func Decode(frame []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	var typeID int
	if err := json.Unmarshal(raw[0], &typeID); err != nil {
		return nil, fmt.Errorf("wire: malformed type id: %w", err)
	}

	field := func(i int, v any) error {
		if i >= len(raw) {
			return nil
		}
		return json.Unmarshal(raw[i], v)
	}

	switch MessageType(typeID) {
	case TypeWelcome:
		m := &Welcome{}
		if err := field(1, &m.ProtocolVersion); err != nil {
			return nil, err
		}
		if err := field(2, &m.ServerId); err != nil {
			return nil, err
		}
		if err := field(3, &m.Banner); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHello:
		m := &Hello{}
		if err := field(1, &m.ClientId); err != nil {
			return nil, err
		}
		if err := field(2, &m.Position); err != nil {
			return nil, err
		}
		if err := field(3, &m.AuthToken); err != nil {
			return nil, err
		}
		return m, nil
	case TypeConnected:
		m := &Connected{}
		if err := field(1, &m.ConnectionId); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBye:
		m := &Bye{}
		if err := field(1, &m.Reason); err != nil {
			return nil, err
		}
		return m, nil
	case TypePing:
		return &Ping{}, nil
	case TypeServerRequest:
		m := &RequestFrame{}
		if err := field(1, &m.ReplyTo); err != nil {
			return nil, err
		}
		if err := field(2, &m.Kind); err != nil {
			return nil, err
		}
		if err := field(3, &m.Payload); err != nil {
			return nil, err
		}
		return m, nil
	case TypeServerResponse:
		m := &ResponseFrame{}
		if err := field(1, &m.MessageAck); err != nil {
			return nil, err
		}
		if err := field(2, &m.Kind); err != nil {
			return nil, err
		}
		if err := field(3, &m.Result); err != nil {
			return nil, err
		}
		if err := field(4, &m.Err); err != nil {
			return nil, err
		}
		return m, nil
	case TypeInvokeService:
		m := &InvokeService{}
		if err := field(1, &m.Src); err != nil {
			return nil, err
		}
		if err := field(2, &m.Dst); err != nil {
			return nil, err
		}
		if err := field(3, &m.ServiceName); err != nil {
			return nil, err
		}
		if err := field(4, &m.Payload); err != nil {
			return nil, err
		}
		if err := field(5, &m.InvocationId); err != nil {
			return nil, err
		}
		return m, nil
	case TypeInvokeServiceAck:
		m := &InvokeServiceAck{}
		if err := field(1, &m.InvocationId); err != nil {
			return nil, err
		}
		if err := field(2, &m.Result); err != nil {
			return nil, err
		}
		if err := field(3, &m.Err); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastSend:
		m := &BroadcastSend{}
		if err := field(1, &m.Src); err != nil {
			return nil, err
		}
		if err := field(2, &m.Position); err != nil {
			return nil, err
		}
		if err := field(3, &m.Channel); err != nil {
			return nil, err
		}
		if err := field(4, &m.Payload); err != nil {
			return nil, err
		}
		if err := field(5, &m.Options); err != nil {
			return nil, err
		}
		if err := field(6, &m.BroadcastId); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastSendAck:
		m := &BroadcastSendAck{}
		if err := field(1, &m.BroadcastId); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastDeliver:
		m := &BroadcastDeliver{}
		if err := field(1, &m.Src); err != nil {
			return nil, err
		}
		if err := field(2, &m.Position); err != nil {
			return nil, err
		}
		if err := field(3, &m.Channel); err != nil {
			return nil, err
		}
		if err := field(4, &m.Payload); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastAck:
		m := &BroadcastAck{}
		if err := field(1, &m.BroadcastId); err != nil {
			return nil, err
		}
		if err := field(2, &m.RecipientId); err != nil {
			return nil, err
		}
		if err := field(3, &m.RecipientPos); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("wire: unrecognized message type %d", typeID)
	}
}
