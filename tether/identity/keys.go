package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
)

// PublicKeySize is the length of a public identity: an Ed25519 verify
// key followed by an X25519 agreement key.
const PublicKeySize = ed25519.PublicKeySize + 32

// SecretSize is the serialized length of KeyMaterial: the Ed25519 seed
// followed by the X25519 private key.
const SecretSize = ed25519.SeedSize + 32

// PublicKey is the 64-byte public half of a KeyMaterial.
type PublicKey [PublicKeySize]byte

// KeyMaterial bundles a signing keypair and a key agreement keypair.
// The zero value is not usable; use Generate or FromSecret.
type KeyMaterial struct {
	signing ed25519.PrivateKey
	agree   tcrypto.X25519KeyPair
}

// Generate creates fresh key material.
func Generate() (KeyMaterial, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: ed25519: %v", tcrypto.ErrKeyGeneration, err)
	}
	agree, err := tcrypto.GenerateX25519()
	if err != nil {
		return KeyMaterial{}, err
	}
	return KeyMaterial{signing: priv, agree: agree}, nil
}

// FromSecret rebuilds key material from the output of Secret.
func FromSecret(secret []byte) (KeyMaterial, error) {
	if len(secret) != SecretSize {
		return KeyMaterial{}, fmt.Errorf("%w: secret must be %d bytes, got %d", tcrypto.ErrInvalidKey, SecretSize, len(secret))
	}
	var x [32]byte
	copy(x[:], secret[ed25519.SeedSize:])
	return KeyMaterial{
		signing: ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize]),
		agree:   tcrypto.X25519FromPrivate(x),
	}, nil
}

// Secret serializes the private halves. Callers must encrypt it before
// it touches disk.
func (k KeyMaterial) Secret() []byte {
	out := make([]byte, 0, SecretSize)
	out = append(out, k.signing.Seed()...)
	return append(out, k.agree.PrivateKey[:]...)
}

// Public returns verify(32) || agree(32).
func (k KeyMaterial) Public() PublicKey {
	var pk PublicKey
	copy(pk[:32], k.signing.Public().(ed25519.PublicKey))
	copy(pk[32:], k.agree.PublicKey[:])
	return pk
}

// Sign signs message with the Ed25519 key.
func (k KeyMaterial) Sign(message []byte) []byte {
	return ed25519.Sign(k.signing, message)
}

// Agree performs X25519 with the peer's agreement key and returns the
// 32-byte shared secret.
func (k KeyMaterial) Agree(peer PublicKey) ([]byte, error) {
	return tcrypto.ECDH(k.agree.PrivateKey, peer.AgreeKey())
}

// ImportPublic parses a 64-byte public identity. The verify key must
// be a canonical Edwards point.
func ImportPublic(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: public key must be %d bytes, got %d", tcrypto.ErrInvalidKey, PublicKeySize, len(b))
	}
	p, err := new(edwards25519.Point).SetBytes(b[:32])
	if err != nil {
		return pk, fmt.Errorf("%w: invalid Ed25519 key: %v", tcrypto.ErrInvalidKey, err)
	}
	// SetBytes reduces y modulo p, so non-canonical encodings decode
	if !bytes.Equal(p.Bytes(), b[:32]) {
		return pk, fmt.Errorf("%w: non-canonical Ed25519 key", tcrypto.ErrInvalidKey)
	}
	copy(pk[:], b)
	return pk, nil
}

// ParsePublicHex parses the String form of a PublicKey.
func ParsePublicHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", tcrypto.ErrInvalidKey, err)
	}
	return ImportPublic(b)
}

// Verify checks an Ed25519 signature made by the owner of pk.
func Verify(pk PublicKey, message, signature []byte) error {
	if !ed25519.Verify(pk.VerifyKey(), message, signature) {
		return tcrypto.ErrSignatureVerification
	}
	return nil
}

// VerifyKey returns the Ed25519 half.
func (pk PublicKey) VerifyKey() ed25519.PublicKey {
	return ed25519.PublicKey(pk[:32])
}

// AgreeKey returns the X25519 half.
func (pk PublicKey) AgreeKey() [32]byte {
	var out [32]byte
	copy(out[:], pk[32:])
	return out
}

func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }

// Fingerprint is a short display form: the first 8 bytes of SHA-256,
// hex encoded.
func (pk PublicKey) Fingerprint() string {
	sum := sha256.Sum256(pk[:])
	return hex.EncodeToString(sum[:8])
}

// MarshalJSON encodes the key as a hex string.
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(pk.String())
}

func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePublicHex(s)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}
