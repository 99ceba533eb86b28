package crypto

import (
	"bytes"
	"errors"
	"testing"
)

var fastScrypt = ScryptParams{N: 1 << 10, R: 8, P: 1}

func TestX25519ECDH(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	sharedAlice, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ECDH alice: %v", err)
	}
	sharedBob, err := ECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("ECDH bob: %v", err)
	}
	if !bytes.Equal(sharedAlice, sharedBob) {
		t.Fatalf("shared secrets do not match")
	}

	if _, err := ECDH(alice.PrivateKey, [32]byte{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("zero key: got %v, want ErrInvalidKey", err)
	}
}

func TestX25519FromPrivateStable(t *testing.T) {
	kp, _ := GenerateX25519()
	again := X25519FromPrivate(kp.PrivateKey)
	if again.PublicKey != kp.PublicKey {
		t.Fatalf("public key not reproducible from private key")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	plaintext := []byte("hello from the handheld")
	ciphertext, err := aead.Seal(plaintext, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(ciphertext) != len(plaintext)+aead.Overhead() {
		t.Fatalf("unexpected ciphertext length %d", len(ciphertext))
	}

	decrypted, err := aead.Open(ciphertext, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted != plaintext")
	}

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := aead.Open(ciphertext, nil); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption on tampered ciphertext, got %v", err)
	}
	if _, err := aead.Open(ciphertext[:5], nil); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption on short ciphertext, got %v", err)
	}
}

func TestAEADNoncesDiffer(t *testing.T) {
	aead, _ := NewAEAD(make([]byte, 32))
	a, _ := aead.Seal([]byte("x"), nil)
	b, _ := aead.Seal([]byte("x"), nil)
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Fatalf("nonce reused")
	}
}

func TestNewAEADRejectsShortKey(t *testing.T) {
	if _, err := NewAEAD(make([]byte, 16)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("got %v, want ErrInvalidKey", err)
	}
}

func TestPacketMAC(t *testing.T) {
	shared := []byte("shared secret")
	m1 := PacketMAC([]byte("s"), []byte("r"), []byte("blob"), 10, 1, shared)
	m2 := PacketMAC([]byte("s"), []byte("r"), []byte("blob"), 10, 1, shared)
	if !Equal(m1[:], m2[:]) {
		t.Fatalf("MAC not deterministic")
	}
	m3 := PacketMAC([]byte("s"), []byte("r"), []byte("blob"), 10, 2, shared)
	if Equal(m1[:], m3[:]) {
		t.Fatalf("sequence not bound into MAC")
	}
	m4 := PacketMAC([]byte("s"), []byte("r"), []byte("blob"), 10, 1, []byte("other"))
	if Equal(m1[:], m4[:]) {
		t.Fatalf("shared secret not bound into MAC")
	}
}

func TestPassphraseEnvelope(t *testing.T) {
	sealed, err := SealWithPassphrase("correct horse", []byte("device key"), fastScrypt)
	if err != nil {
		t.Fatalf("SealWithPassphrase: %v", err)
	}
	raw, err := OpenWithPassphrase("correct horse", sealed)
	if err != nil {
		t.Fatalf("OpenWithPassphrase: %v", err)
	}
	if string(raw) != "device key" {
		t.Fatalf("got %q", raw)
	}
	if _, err := OpenWithPassphrase("wrong", sealed); !errors.Is(err, ErrStorage) {
		t.Fatalf("wrong passphrase: got %v, want ErrStorage", err)
	}
}

func BenchmarkAEADSeal(b *testing.B) {
	aead, _ := NewAEAD(make([]byte, 32))
	plaintext := make([]byte, 64*1024)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = aead.Seal(plaintext, nil)
	}
}

func BenchmarkAEADOpen(b *testing.B) {
	aead, _ := NewAEAD(make([]byte, 32))
	plaintext := make([]byte, 64*1024)
	ciphertext, _ := aead.Seal(plaintext, nil)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = aead.Open(ciphertext, nil)
	}
}
