package erasure

import (
	"bytes"
	"errors"
	"testing"
)

func TestCodecRecoversLostShards(t *testing.T) {
	codec, err := NewCodec(4, 2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	data := []byte("spooled file content spread over four data shards and two parity shards")
	shards, err := codec.Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(shards) != 6 {
		t.Fatalf("expected 6 shards, got %d", len(shards))
	}

	shards[1] = nil
	shards[4] = nil
	if err := codec.Reconstruct(shards); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if shards[1] == nil || shards[4] == nil {
		t.Fatalf("parity and data shards should both be rebuilt")
	}

	got, err := codec.Decode(shards, len(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("recovered data does not match original")
	}
}

func TestCodecTooManyLost(t *testing.T) {
	codec, err := NewCodec(4, 2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	shards, err := codec.Encode(make([]byte, 1024))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	shards[0], shards[2], shards[5] = nil, nil, nil

	if err := codec.Reconstruct(shards); !errors.Is(err, ErrTooManyLost) {
		t.Fatalf("expected ErrTooManyLost, got %v", err)
	}
}

func TestCodecConfig(t *testing.T) {
	if _, err := NewCodec(0, 2); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	codec, err := NewCodec(4, 2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if got := codec.Overhead(); got != 1.5 {
		t.Fatalf("expected overhead 1.5, got %f", got)
	}
}

func BenchmarkEncode(b *testing.B) {
	codec, _ := NewCodec(4, 2)
	data := make([]byte, 1<<20)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(data)
	}
}
