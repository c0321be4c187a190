package proto

import (
	"encoding/json"
	"fmt"
)

// Top-level message types. Hello, HelloAck and KeyRotation travel bare
// because they establish or attest to the keys everything else is signed
// with; every other event travels inside a signed Envelope.
const (
	MsgTypeHello       = "hello"
	MsgTypeHelloAck    = "hello_ack"
	MsgTypeKeyRotation = "key_rotation"
	MsgTypeEnvelope    = "envelope"
)

// ProtocolVersion is negotiated in Hello; peers speaking a higher version
// are expected to stay wire-compatible with this one.
const ProtocolVersion = 1

// Per-type frame caps. Unknown types fall back to zero, which ReadFrame
// treats as "soft cap only".
const (
	MaxHelloSize    = 4 << 10
	MaxRotationSize = 4 << 10
	MaxEnvelopeSize = 512 << 10
)

// TypeCap reports the frame cap for oversized messages of a given type.
func TypeCap(msgType string) int {
	switch msgType {
	case MsgTypeEnvelope:
		return MaxEnvelopeSize
	case MsgTypeHello, MsgTypeHelloAck:
		return MaxHelloSize
	case MsgTypeKeyRotation:
		return MaxRotationSize
	default:
		return 0
	}
}

// Hello opens every link. The endpoint_id is untrusted input: receivers
// log a mismatch and keep using the transport-authenticated identity.
type Hello struct {
	Type            string `json:"type"`
	EndpointID      string `json:"endpoint_id"`
	ServerName      string `json:"server_name"`
	ProtocolVersion int    `json:"protocol_version"`
	TrustLevel      string `json:"trust_level,omitempty"`
	IdentityHint    string `json:"identity_hint,omitempty"`
}

type HelloAck struct {
	Type       string `json:"type"`
	EndpointID string `json:"endpoint_id"`
	Accepted   bool   `json:"accepted"`
	TrustLevel string `json:"trust_level,omitempty"`
}

// KeyRotation attests continuity of control: the OLD key signs the new
// identity. It travels bare because its own signature is the proof.
type KeyRotation struct {
	Type     string `json:"type"`
	OldID    string `json:"old_id"`
	NewID    string `json:"new_id"`
	IssuedAt uint64 `json:"issued_at"`
	Sig      string `json:"sig"`
}

// Envelope wraps a serialized Event with the origin's signature. Signer
// must equal the transport-authenticated peer ID of the link it arrived
// on; a peer can never sign on behalf of another identity.
type Envelope struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
	Sig     []byte `json:"sig"`
	Signer  string `json:"signer"`
}

func EncodeHello(m Hello) ([]byte, error) {
	m.Type = MsgTypeHello
	if m.ProtocolVersion == 0 {
		m.ProtocolVersion = ProtocolVersion
	}
	return json.Marshal(m)
}

func DecodeHello(data []byte) (Hello, error) {
	var m Hello
	if err := json.Unmarshal(data, &m); err != nil {
		return Hello{}, err
	}
	if m.Type != MsgTypeHello {
		return Hello{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeHelloAck(m HelloAck) ([]byte, error) {
	m.Type = MsgTypeHelloAck
	return json.Marshal(m)
}

func DecodeHelloAck(data []byte) (HelloAck, error) {
	var m HelloAck
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloAck{}, err
	}
	if m.Type != MsgTypeHelloAck {
		return HelloAck{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeKeyRotation(m KeyRotation) ([]byte, error) {
	m.Type = MsgTypeKeyRotation
	return json.Marshal(m)
}

func DecodeKeyRotation(data []byte) (KeyRotation, error) {
	var m KeyRotation
	if err := json.Unmarshal(data, &m); err != nil {
		return KeyRotation{}, err
	}
	if m.Type != MsgTypeKeyRotation {
		return KeyRotation{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeEnvelope(m Envelope) ([]byte, error) {
	m.Type = MsgTypeEnvelope
	return json.Marshal(m)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var m Envelope
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, err
	}
	if m.Type != MsgTypeEnvelope {
		return Envelope{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// PeekType reports the top-level type of an incoming frame.
func PeekType(data []byte) string {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return ""
	}
	return hdr.Type
}
