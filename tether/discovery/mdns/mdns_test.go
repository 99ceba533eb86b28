package mdns

import (
	"errors"
	"testing"
	"time"

	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/protocol"
)

func signedBeacon(t *testing.T) protocol.Beacon {
	t.Helper()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b := protocol.Beacon{
		SessionID:   "1a2b3c4d_5e6f7081",
		Emoji:       "🎮",
		Description: "Game Controller",
		DeviceKey:   keys.Public(),
		DeviceName:  "workbench laptop",
		Address:     "192.168.1.20:7420",
		Timestamp:   time.Now().Unix(),
	}
	if err := b.Sign(keys); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b
}

func TestTXTRoundTrip(t *testing.T) {
	b := signedBeacon(t)
	txt, err := EncodeTXT(b)
	if err != nil {
		t.Fatalf("EncodeTXT: %v", err)
	}
	if len(txt) < 3 {
		t.Fatalf("expected the beacon to span several records, got %d", len(txt))
	}
	for _, s := range txt {
		if len(s) > 255 {
			t.Fatalf("TXT string of %d bytes exceeds DNS limit", len(s))
		}
	}

	// Record order on the wire is not guaranteed.
	txt[1], txt[len(txt)-1] = txt[len(txt)-1], txt[1]
	got, err := DecodeTXT(txt)
	if err != nil {
		t.Fatalf("DecodeTXT: %v", err)
	}
	if err := got.Verify(time.Now(), time.Minute); err != nil {
		t.Fatalf("decoded beacon does not verify: %v", err)
	}
	if got.Address != b.Address || got.DeviceKey != b.DeviceKey {
		t.Fatalf("decoded beacon differs: %+v", got)
	}
}

func TestDecodeTXTRejectsMalformed(t *testing.T) {
	txt, err := EncodeTXT(signedBeacon(t))
	if err != nil {
		t.Fatalf("EncodeTXT: %v", err)
	}

	cases := map[string][]string{
		"empty":        nil,
		"no version":   txt[1:],
		"missing part": append([]string{txt[0]}, txt[2:]...),
		"bad index":    {txtVersion, "bx=AAAA"},
		"bad base64":   {txtVersion, "b0=!!!"},
	}
	for name, records := range cases {
		if _, err := DecodeTXT(records); err == nil {
			t.Fatalf("%s: expected error", name)
		} else if name != "bad base64" && !errors.Is(err, ErrMalformedTXT) {
			t.Fatalf("%s: expected ErrMalformedTXT, got %v", name, err)
		}
	}
}
