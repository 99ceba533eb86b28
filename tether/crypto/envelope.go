package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const envelopeVersion = 1

// ScryptParams are the scrypt cost parameters used for passphrase keys.
type ScryptParams struct {
	N, R, P int
}

// DefaultScrypt is the cost used for key files on disk.
var DefaultScrypt = ScryptParams{N: 1 << 15, R: 8, P: 1}

// envelope is the JSON structure of a passphrase-sealed file.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// PassphraseKey stretches a passphrase into a 32-byte key.
func PassphraseKey(passphrase string, salt []byte, params ScryptParams) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: scrypt: %v", ErrStorage, err)
	}
	return key, nil
}

// SealWithPassphrase encrypts raw under a key derived from passphrase
// with a fresh salt. The salt is used as associated data so the
// ciphertext cannot be paired with another envelope's parameters.
func SealWithPassphrase(passphrase string, raw []byte, params ScryptParams) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrEncryption, err)
	}
	key, err := PassphraseKey(passphrase, salt[:], params)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	// The key is unique per salt, so a zero nonce is never reused.
	var nonce [chacha20poly1305.NonceSize]byte
	return json.Marshal(envelope{
		V:      envelopeVersion,
		Salt:   salt[:],
		N:      params.N,
		R:      params.R,
		P:      params.P,
		Cipher: aead.Seal(nil, nonce[:], raw, salt[:]),
	})
}

// OpenWithPassphrase reverses SealWithPassphrase. A wrong passphrase and
// a corrupted file are indistinguishable and both return ErrStorage.
func OpenWithPassphrase(passphrase string, data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrStorage, err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrStorage, env.V)
	}
	key, err := PassphraseKey(passphrase, env.Salt, ScryptParams{N: env.N, R: env.R, P: env.P})
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	raw, err := aead.Open(nil, nonce[:], env.Cipher, env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted file", ErrStorage)
	}
	return raw, nil
}
