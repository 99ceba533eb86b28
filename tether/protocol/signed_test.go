package protocol

import (
	"errors"
	"testing"
	"time"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

func TestBeaconSignAndVerify(t *testing.T) {
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	now := time.Unix(1_800_000_000, 0)

	b := Beacon{
		SessionID:   "1a2b_3c4d",
		Emoji:       "🎮",
		Description: "Game Controller",
		DeviceKey:   keys.Public(),
		Address:     "10.0.0.2:7400",
		Timestamp:   now.Unix(),
	}
	if err := b.Sign(keys); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	encoded, err := EncodeBeacon(b)
	if err != nil {
		t.Fatalf("EncodeBeacon: %v", err)
	}
	decoded, err := DecodeBeacon(encoded)
	if err != nil {
		t.Fatalf("DecodeBeacon: %v", err)
	}
	if err := decoded.Verify(now, time.Minute); err != nil {
		t.Fatalf("Verify after decode: %v", err)
	}

	tampered := decoded
	tampered.Emoji = "🎯"
	if err := tampered.Verify(now, time.Minute); !errors.Is(err, tcrypto.ErrSignatureVerification) {
		t.Fatalf("tampered emoji: got %v", err)
	}

	if err := decoded.Verify(now.Add(time.Hour), time.Minute); !errors.Is(err, ErrStale) {
		t.Fatalf("stale beacon: got %v", err)
	}
}

func TestOfferSignAndVerify(t *testing.T) {
	device, _ := identity.Generate()
	rel, _ := identity.Generate()
	now := time.Unix(1_800_000_000, 0)

	o := Offer{
		SessionID:       "aa_bb",
		TargetSessionID: "cc_dd",
		DeviceKey:       device.Public(),
		RelationshipKey: rel.Public(),
		Timestamp:       now.Unix(),
	}
	if err := o.Sign(device); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	encoded, err := EncodeOffer(o)
	if err != nil {
		t.Fatalf("EncodeOffer: %v", err)
	}
	decoded, err := DecodeOffer(encoded)
	if err != nil {
		t.Fatalf("DecodeOffer: %v", err)
	}
	if err := decoded.Verify(now, time.Minute); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	other, _ := identity.Generate()
	forged := decoded
	forged.DeviceKey = other.Public()
	if err := forged.Verify(now, time.Minute); !errors.Is(err, tcrypto.ErrSignatureVerification) {
		t.Fatalf("forged device key: got %v", err)
	}
}
