// Package wire implements the client wire protocol: one JSON frame per
// message over a persistent connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type discriminators, carried in every frame's "type" field.
const (
	TypeAuth       = "AUTH"
	TypeAuthOK     = "AUTH_OK"
	TypeSingleChat = "SINGLE_CHAT"
	TypeAck        = "ACK"
	TypeError      = "ERROR"
)

// Ack subtypes.
const (
	AckSaved   = "saved"       // gateway -> sender: message durably saved
	AckReceive = "ack_receive" // recipient -> gateway: message arrived
	AckRead    = "read"        // recipient -> gateway: message read
)

// MaxFrameSize is the hard upper bound on a single frame. Oversized frames
// close the connection; everything else is a soft protocol error.
const MaxFrameSize = 64 * 1024

// ErrFrameTooBig is returned by Decode for frames over MaxFrameSize.
var ErrFrameTooBig = errors.New("frame exceeds size limit")

// ProtocolError marks a malformed or unknown frame. The connection survives;
// the client gets an ERROR frame with the reason.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Auth is the first frame a client sends on a new connection.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthOK confirms a successful AUTH.
type AuthOK struct {
	Type   string `json:"type"`
	UserId string `json:"userId"`
}

// Chat is a point-to-point message. Clients send it without ServerMsgId;
// the forwarded copy to the recipient carries the assigned ServerMsgId and
// the sender identity.
type Chat struct {
	Type        string `json:"type"`
	ClientMsgId string `json:"clientMsgId"`
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	MsgType     string `json:"msgType"`
	Body        string `json:"body"`
	Ts          int64  `json:"ts"`
	ServerMsgId string `json:"serverMsgId,omitempty"`
	MsgSeq      int64  `json:"msgSeq,omitempty"`
}

// Ack flows both ways: ackType "saved" from gateway to sender, "ack_receive"
// and "read" from recipient to gateway.
type Ack struct {
	Type        string `json:"type"`
	ClientMsgId string `json:"clientMsgId,omitempty"`
	ServerMsgId string `json:"serverMsgId,omitempty"`
	AckType     string `json:"ackType"`
	To          string `json:"to,omitempty"`
	Ts          int64  `json:"ts"`
}

// ErrorFrame tells the client why something was rejected or why it is about
// to be disconnected.
type ErrorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Decode parses a single frame. It returns *Auth, *Chat or *Ack on success,
// ErrFrameTooBig for oversized input (hard failure, close the link), and
// *ProtocolError for anything malformed or unknown (soft failure).
func Decode(data []byte) (any, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooBig
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame"}
	}

	switch probe.Type {
	case TypeAuth:
		var f Auth
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ProtocolError{Reason: "malformed AUTH frame"}
		}
		return &f, nil
	case TypeSingleChat:
		var f Chat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ProtocolError{Reason: "malformed SINGLE_CHAT frame"}
		}
		if f.ClientMsgId == "" || f.To == "" {
			return nil, &ProtocolError{Reason: "SINGLE_CHAT requires clientMsgId and to"}
		}
		return &f, nil
	case TypeAck:
		var f Ack
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ProtocolError{Reason: "malformed ACK frame"}
		}
		switch f.AckType {
		case AckReceive, AckRead:
		default:
			return nil, &ProtocolError{Reason: fmt.Sprintf("unknown ackType %q", f.AckType)}
		}
		return &f, nil
	case "":
		return nil, &ProtocolError{Reason: "missing frame type"}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", probe.Type)}
	}
}

// Encode serializes any frame struct to its wire form.
func Encode(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		// All frame types marshal cleanly; this would be a programming error.
		panic(fmt.Sprintf("wire: failed to marshal frame: %v", err))
	}
	return data
}

// EncodeAuthOK builds the AUTH_OK reply.
func EncodeAuthOK(userId string) []byte {
	return Encode(&AuthOK{Type: TypeAuthOK, UserId: userId})
}

// EncodeSavedAck builds the ACK(saved) frame sent to the original sender.
func EncodeSavedAck(clientMsgId, serverMsgId string, ts int64) []byte {
	return Encode(&Ack{
		Type:        TypeAck,
		ClientMsgId: clientMsgId,
		ServerMsgId: serverMsgId,
		AckType:     AckSaved,
		Ts:          ts,
	})
}

// EncodeError builds an ERROR frame.
func EncodeError(reason string) []byte {
	return Encode(&ErrorFrame{Type: TypeError, Reason: reason})
}
