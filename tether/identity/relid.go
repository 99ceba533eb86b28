package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
)

// RelationshipID names a pairing. It is the hex of the first 16 bytes
// of SHA-256 over both relationship public keys in byte order, so each
// side computes the same value.
type RelationshipID string

func NewRelationshipID(a, b PublicKey) RelationshipID {
	first, second := a, b
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}
	h := sha256.New()
	h.Write(first[:])
	h.Write(second[:])
	sum := h.Sum(nil)
	return RelationshipID(hex.EncodeToString(sum[:16]))
}

// ParseRelationshipID validates the textual form.
func ParseRelationshipID(s string) (RelationshipID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return "", fmt.Errorf("%w: malformed relationship id %q", tcrypto.ErrInvalidKey, s)
	}
	return RelationshipID(s), nil
}

func (id RelationshipID) String() string { return string(id) }

// Short is the first 8 hex characters, for logs and listings.
func (id RelationshipID) Short() string {
	if len(id) < 8 {
		return string(id)
	}
	return string(id[:8])
}
