// Package packet implements the encrypted envelope exchanged between a
// handheld and the daemon, the plaintext inner packet it carries, and
// the per-peer sequencer that rejects replays.
package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/TheusHen/tether/tether/codec"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

// Version is the only envelope version this package reads or writes.
const Version = 1

// ErrMACMismatch is returned by Open and VerifyMAC when the header MAC
// does not match. It is a Decryption error.
var ErrMACMismatch = fmt.Errorf("%w: mac mismatch", tcrypto.ErrDecryption)

// Encrypted is the on-the-wire packet. The sender and recipient are
// relationship public keys, never device keys.
type Encrypted struct {
	Version   uint8              `cbor:"1,keyasint"`
	Recipient identity.PublicKey `cbor:"2,keyasint"`
	Sender    identity.PublicKey `cbor:"3,keyasint"`
	Blob      []byte             `cbor:"4,keyasint"`
	Timestamp uint64             `cbor:"5,keyasint"`
	Sequence  uint64             `cbor:"6,keyasint"`
	MAC       []byte             `cbor:"7,keyasint"`

	// shared is kept on packets built by Seal so that SetSequence can
	// recompute the MAC. It is never serialized.
	shared []byte
}

// Seal encrypts plaintext from own to peer. The sequence is zero until
// a Sequencer assigns one.
func Seal(plaintext []byte, own identity.KeyMaterial, peer identity.PublicKey, now time.Time) (*Encrypted, error) {
	shared, err := own.Agree(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrEncryption, err)
	}
	aead, err := packetAEAD(shared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrEncryption, err)
	}
	blob, err := aead.Seal(plaintext, nil)
	if err != nil {
		return nil, err
	}

	p := &Encrypted{
		Version:   Version,
		Recipient: peer,
		Sender:    own.Public(),
		Blob:      blob,
		Timestamp: uint64(now.Unix()),
		shared:    shared,
	}
	p.retag()
	return p, nil
}

// SetSequence assigns the sequence number and refreshes the MAC. Only
// packets built by Seal in this process can be re-sequenced.
func (p *Encrypted) SetSequence(seq uint64) error {
	if p.shared == nil {
		return errors.New("packet: cannot re-sequence a received packet")
	}
	p.Sequence = seq
	p.retag()
	return nil
}

func (p *Encrypted) retag() {
	mac := tcrypto.PacketMAC(p.Sender[:], p.Recipient[:], p.Blob, p.Timestamp, p.Sequence, p.shared)
	p.MAC = mac[:]
}

// VerifyMAC checks the header MAC without attempting decryption.
func (p *Encrypted) VerifyMAC(own identity.KeyMaterial) error {
	_, err := p.verify(own)
	return err
}

func (p *Encrypted) verify(own identity.KeyMaterial) ([]byte, error) {
	if p.Recipient != own.Public() {
		return nil, fmt.Errorf("%w: packet addressed to another key", tcrypto.ErrDecryption)
	}
	shared, err := own.Agree(p.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrDecryption, err)
	}
	want := tcrypto.PacketMAC(p.Sender[:], p.Recipient[:], p.Blob, p.Timestamp, p.Sequence, shared)
	if !tcrypto.Equal(want[:], p.MAC) {
		return nil, ErrMACMismatch
	}
	return shared, nil
}

// Open verifies the MAC and then decrypts the blob. Every failure is a
// Decryption error; MAC failures also match ErrMACMismatch.
func (p *Encrypted) Open(own identity.KeyMaterial) ([]byte, error) {
	shared, err := p.verify(own)
	if err != nil {
		return nil, err
	}
	aead, err := packetAEAD(shared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrDecryption, err)
	}
	return aead.Open(p.Blob, nil)
}

// IsExpired reports whether the packet is older than maxAge at now.
// Timestamps ahead of now are not expired.
func (p *Encrypted) IsExpired(now time.Time, maxAge time.Duration) bool {
	sent := time.Unix(int64(p.Timestamp), 0)
	return now.Sub(sent) > maxAge
}

// SenderID is the key used to track per-sender sequence state.
func (p *Encrypted) SenderID() string { return p.Sender.String() }

// Size is the approximate encoded size in bytes.
func (p *Encrypted) Size() int {
	return 1 + 2*identity.PublicKeySize + len(p.Blob) + 8 + 8 + len(p.MAC)
}

// wireEncrypted has Encrypted's fields and tags but none of its
// methods, so the codec encodes it field by field.
type wireEncrypted Encrypted

func (p *Encrypted) MarshalBinary() ([]byte, error) {
	return codec.Marshal((*wireEncrypted)(p))
}

// UnmarshalBinary parses an encoded packet. Unknown versions and
// malformed headers are Decryption errors.
func (p *Encrypted) UnmarshalBinary(data []byte) error {
	var w wireEncrypted
	if err := codec.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: decode: %v", tcrypto.ErrDecryption, err)
	}
	if w.Version != Version {
		return fmt.Errorf("%w: unsupported packet version %d", tcrypto.ErrDecryption, w.Version)
	}
	if len(w.MAC) != tcrypto.MACSize {
		return fmt.Errorf("%w: mac length %d", tcrypto.ErrDecryption, len(w.MAC))
	}
	if len(w.Blob) < tcrypto.NonceSize {
		return fmt.Errorf("%w: blob too short", tcrypto.ErrDecryption)
	}
	w.shared = nil
	*p = Encrypted(w)
	return nil
}

// Decode parses an encoded packet.
func Decode(data []byte) (*Encrypted, error) {
	var p Encrypted
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &p, nil
}

func packetAEAD(shared []byte) (*tcrypto.AEAD, error) {
	key, err := tcrypto.DeriveKey(shared, nil, tcrypto.InfoPacketKey, 32)
	if err != nil {
		return nil, err
	}
	return tcrypto.NewAEAD(key)
}
