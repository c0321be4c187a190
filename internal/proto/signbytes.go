package proto

import "encoding/binary"

// Domain-separation prefixes. Signatures over different message classes can
// never be confused for one another.
const (
	envelopePrefix = "meshchat:v1:event|"
	rotatePrefix   = "meshchat:v1:rotate|"
)

// EnvelopeSignBytes returns the exact bytes signed for an envelope payload.
func EnvelopeSignBytes(payload []byte) []byte {
	buf := make([]byte, 0, len(envelopePrefix)+len(payload))
	buf = append(buf, []byte(envelopePrefix)...)
	buf = append(buf, payload...)
	return buf
}

// RotationSignBytes returns the bytes the OLD key signs to prove continuity
// of control over to the new identity.
func RotationSignBytes(oldID, newID [32]byte, issuedAt uint64) []byte {
	buf := make([]byte, 0, len(rotatePrefix)+32+32+8)
	buf = append(buf, []byte(rotatePrefix)...)
	buf = append(buf, oldID[:]...)
	buf = append(buf, newID[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], issuedAt)
	buf = append(buf, tmp[:]...)
	return buf
}
