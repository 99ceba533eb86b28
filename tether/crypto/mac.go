package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
)

// MACSize is the length of a packet MAC.
const MACSize = sha256.Size

// PacketMAC computes
//
//	SHA-256(sender || recipient || blob || le64(timestamp) || le64(sequence) || shared)
//
// which binds the packet header to the relationship secret. The AEAD
// runs with empty associated data, so this is what authenticates the
// timestamp and sequence.
func PacketMAC(sender, recipient, blob []byte, timestamp, sequence uint64, shared []byte) [MACSize]byte {
	h := sha256.New()
	h.Write(sender)
	h.Write(recipient)
	h.Write(blob)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], timestamp)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], sequence)
	h.Write(buf[:])
	h.Write(shared)

	var out [MACSize]byte
	h.Sum(out[:0])
	return out
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
