// Package wire defines the sync protocol: the JSON frames exchanged over
// the persistent connection and the WebSocket upgrade handshake helpers.
package wire

import (
	"encoding/json"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// Frame type discriminators. Client → server:
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
)

// Server → client:
const (
	TypeSubscribed    = "subscribed"
	TypeUpdate        = "update"
	TypeError         = "error"
	TypeAuthenticated = "authenticated"
	TypePong          = "pong"
)

// ClientFrame is any client → server frame. Unused fields stay empty.
type ClientFrame struct {
	Type           string          `json:"type"`
	Token          string          `json:"token,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	QueryPath      string          `json:"queryPath,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
}

// ServerFrame is any server → client frame.
type ServerFrame struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Seq            uint64          `json:"seq,omitempty"`
	Message        string          `json:"message,omitempty"`
	Code           string          `json:"code,omitempty"`
}

// ParseClientFrame decodes and structurally validates one inbound frame.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fault.Wrap(fault.ProtocolError, err, "malformed frame")
	}
	switch f.Type {
	case TypeAuthenticate:
		if f.Token == "" {
			return nil, fault.New(fault.ProtocolError, "authenticate frame requires a token")
		}
	case TypeSubscribe:
		if f.SubscriptionID == "" || f.QueryPath == "" {
			return nil, fault.New(fault.ProtocolError, "subscribe frame requires subscriptionId and queryPath")
		}
	case TypeUnsubscribe:
		if f.SubscriptionID == "" {
			return nil, fault.New(fault.ProtocolError, "unsubscribe frame requires subscriptionId")
		}
	case TypePing:
	case "":
		return nil, fault.New(fault.ProtocolError, "frame is missing a type")
	default:
		return nil, fault.New(fault.ProtocolError, "unknown frame type %q", f.Type)
	}
	return &f, nil
}

// MarshalServerFrame encodes an outbound frame.
func MarshalServerFrame(f ServerFrame) ([]byte, error) {
	return json.Marshal(f)
}

// ErrorFrame builds a per-subscription or global error frame.
func ErrorFrame(subscriptionID, code, message string) ServerFrame {
	return ServerFrame{Type: TypeError, SubscriptionID: subscriptionID, Code: code, Message: message}
}

// UpdateFrame builds a result push.
func UpdateFrame(subscriptionID string, data json.RawMessage, seq uint64) ServerFrame {
	return ServerFrame{Type: TypeUpdate, SubscriptionID: subscriptionID, Data: data, Seq: seq}
}
