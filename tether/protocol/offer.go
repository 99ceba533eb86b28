package protocol

import (
	"fmt"
	"time"

	"github.com/TheusHen/tether/tether/codec"
	"github.com/TheusHen/tether/tether/identity"
)

const offerContext = "tether/offer/v1"

// Offer is sent directly to the selected device once a user has picked
// it. It names both pairing sessions and carries the sender's fresh
// relationship key, signed by the sender's device key.
type Offer struct {
	SessionID       string             `cbor:"1,keyasint"`
	TargetSessionID string             `cbor:"2,keyasint"`
	DeviceKey       identity.PublicKey `cbor:"3,keyasint"`
	RelationshipKey identity.PublicKey `cbor:"4,keyasint"`
	DeviceName      string             `cbor:"5,keyasint,omitempty"`
	Address         string             `cbor:"6,keyasint,omitempty"`
	Timestamp       int64              `cbor:"7,keyasint"`
	Signature       []byte             `cbor:"8,keyasint,omitempty"`
}

func (o Offer) SigningBytes() ([]byte, error) {
	o.Signature = nil
	return signingBytes(offerContext, o)
}

func (o *Offer) Sign(keys identity.KeyMaterial) error {
	toSign, err := o.SigningBytes()
	if err != nil {
		return err
	}
	o.Signature = keys.Sign(toSign)
	return nil
}

func (o Offer) Verify(now time.Time, window time.Duration) error {
	if err := checkFresh(o.Timestamp, now, window); err != nil {
		return err
	}
	if _, err := identity.ImportPublic(o.RelationshipKey[:]); err != nil {
		return err
	}
	toVerify, err := o.SigningBytes()
	if err != nil {
		return err
	}
	return identity.Verify(o.DeviceKey, toVerify, o.Signature)
}

func EncodeOffer(o Offer) ([]byte, error) { return codec.Marshal(o) }

func DecodeOffer(data []byte) (Offer, error) {
	var o Offer
	if err := codec.Unmarshal(data, &o); err != nil {
		return Offer{}, fmt.Errorf("protocol: decode offer: %w", err)
	}
	return o, nil
}
