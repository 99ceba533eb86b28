package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the ChaCha20-Poly1305 nonce length carried in front of
// every ciphertext.
const NonceSize = chacha20poly1305.NonceSize

// AEAD wraps ChaCha20-Poly1305 with a fresh random nonce per message.
// Both ends of a relationship encrypt under the same key, so nonces are
// drawn at random rather than from a local counter.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: AEAD key must be %d bytes", ErrInvalidKey, chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &AEAD{aead: aead}, nil
}

// Seal encrypts and authenticates plaintext.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	return a.aead.Seal(out, out[:NonceSize], plaintext, additionalData), nil
}

// Open decrypts and verifies a blob produced by Seal.
func (a *AEAD) Open(blob, additionalData []byte) ([]byte, error) {
	if len(blob) < NonceSize+a.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	plaintext, err := a.aead.Open(nil, blob[:NonceSize], blob[NonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Overhead returns the bytes Seal adds to a plaintext.
func (a *AEAD) Overhead() int { return NonceSize + a.aead.Overhead() }
