package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Type: MessageTypeOffer, Payload: []byte("ok")}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != in.Type {
		t.Fatalf("type mismatch")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameBackToBack(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteFrame(&buf, Frame{Type: MessageTypePacket, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		f, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if f.Payload[0] != byte(i) {
			t.Fatalf("frame %d payload = %v", i, f.Payload)
		}
	}
}

func TestFrameRejects(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, Frame{Type: 0}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("zero type: %v", err)
	}
	if err := WriteFrame(&bytes.Buffer{}, Frame{Type: MessageTypePacket, Payload: make([]byte, MaxFramePayload+1)}); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversize: %v", err)
	}
	oversize := []byte{byte(MessageTypePacket), 0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(oversize)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversize header: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{9, 0, 0, 0, 0})); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("unknown type: %v", err)
	}
}
