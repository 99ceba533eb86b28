package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair is a key agreement keypair.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// GenerateX25519 generates a new X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return X25519KeyPair{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return X25519FromPrivate(priv), nil
}

// X25519FromPrivate clamps priv per RFC 7748 and derives its public key.
func X25519FromPrivate(priv [32]byte) X25519KeyPair {
	kp := X25519KeyPair{PrivateKey: priv}
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp
}

// ECDH computes the raw X25519 shared secret. Low-order peer keys,
// which would yield an all-zero secret, are rejected.
func ECDH(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, fmt.Errorf("%w: zero X25519 public key", ErrInvalidKey)
	}
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}
