package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/TheusHen/tether/tether/codec"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

const beaconContext = "tether/beacon/v1"

var ErrStale = errors.New("protocol: message timestamp outside allowed window")

// Beacon is broadcast while a device is in pairing mode. It carries the
// emoji shown to the user and is signed by the device key so that a
// discovered device cannot be impersonated between selection and offer.
type Beacon struct {
	SessionID   string             `cbor:"1,keyasint"`
	Emoji       string             `cbor:"2,keyasint"`
	Description string             `cbor:"3,keyasint"`
	DeviceKey   identity.PublicKey `cbor:"4,keyasint"`
	DeviceName  string             `cbor:"5,keyasint,omitempty"`
	Address     string             `cbor:"6,keyasint,omitempty"`
	Timestamp   int64              `cbor:"7,keyasint"`
	Signature   []byte             `cbor:"8,keyasint,omitempty"`
}

// SigningBytes is the context label followed by the deterministic CBOR
// encoding of the beacon without its signature.
func (b Beacon) SigningBytes() ([]byte, error) {
	b.Signature = nil
	return signingBytes(beaconContext, b)
}

func (b *Beacon) Sign(keys identity.KeyMaterial) error {
	toSign, err := b.SigningBytes()
	if err != nil {
		return err
	}
	b.Signature = keys.Sign(toSign)
	return nil
}

// Verify checks the signature against DeviceKey and that the timestamp
// is within window of now.
func (b Beacon) Verify(now time.Time, window time.Duration) error {
	if b.SessionID == "" || b.Emoji == "" {
		return fmt.Errorf("%w: beacon missing session or emoji", tcrypto.ErrPairing)
	}
	if err := checkFresh(b.Timestamp, now, window); err != nil {
		return err
	}
	toVerify, err := b.SigningBytes()
	if err != nil {
		return err
	}
	return identity.Verify(b.DeviceKey, toVerify, b.Signature)
}

func EncodeBeacon(b Beacon) ([]byte, error) { return codec.Marshal(b) }

func DecodeBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if err := codec.Unmarshal(data, &b); err != nil {
		return Beacon{}, fmt.Errorf("protocol: decode beacon: %w", err)
	}
	return b, nil
}

func signingBytes(context string, v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(context)+1+len(body))
	out = append(out, context...)
	out = append(out, 0)
	return append(out, body...), nil
}

func checkFresh(ts int64, now time.Time, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	d := now.Sub(time.Unix(ts, 0))
	if d < 0 {
		d = -d
	}
	if d > window {
		return fmt.Errorf("%w: skew %s", ErrStale, d.Truncate(time.Second))
	}
	return nil
}
