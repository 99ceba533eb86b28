package transport_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/TheusHen/tether/tether/protocol"
	"github.com/TheusHen/tether/tether/transport"
	"github.com/TheusHen/tether/tether/transport/memory"
	"github.com/TheusHen/tether/tether/transport/quic"
)

// exchange sends a frame a->b, then replies b->a using the address the
// frame arrived from.
func exchange(t *testing.T, a, b transport.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Send(ctx, b.Addr(), protocol.Frame{Type: protocol.MessageTypePacket, Payload: []byte("ping")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(msg.Frame.Payload) != "ping" || msg.Frame.Type != protocol.MessageTypePacket {
		t.Fatalf("unexpected frame %+v", msg.Frame)
	}

	if err := b.Send(ctx, msg.From, protocol.Frame{Type: protocol.MessageTypeOffer, Payload: []byte("pong")}); err != nil {
		t.Fatalf("reply Send: %v", err)
	}
	reply, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("reply Receive: %v", err)
	}
	if string(reply.Frame.Payload) != "pong" {
		t.Fatalf("unexpected reply %+v", reply.Frame)
	}
}

func TestMemoryTransport(t *testing.T) {
	n := memory.NewNetwork()
	a, err := n.Listen("handheld")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	b, err := n.Listen("daemon")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := n.Listen("daemon"); err == nil {
		t.Fatalf("expected duplicate address to fail")
	}

	exchange(t, a, b)

	ctx := context.Background()
	if err := a.Send(ctx, "nowhere", protocol.Frame{Type: protocol.MessageTypePacket}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	b.Close()
	if _, err := b.Receive(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := a.Send(ctx, "daemon", protocol.Frame{Type: protocol.MessageTypePacket}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable after close, got %v", err)
	}
}

func TestQUICTransport(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := quic.Listen("127.0.0.1:0", quiet)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()
	b, err := quic.Listen("127.0.0.1:0", quiet)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Close()

	exchange(t, a, b)
	exchange(t, b, a)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Receive(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// TestQUICTransportKeepsSendOrder sends from many goroutines that take
// turns the way a node does, and expects every frame in send order.
func TestQUICTransportKeepsSendOrder(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := quic.Listen("127.0.0.1:0", quiet)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()
	b, err := quic.Listen("127.0.0.1:0", quiet)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const senders, perSender = 8, 50
	var (
		mu   sync.Mutex
		next uint32
		wg   sync.WaitGroup
	)
	errs := make(chan error, senders)
	for n := 0; n < senders; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := 0; m < perSender; m++ {
				mu.Lock()
				payload := binary.BigEndian.AppendUint32(nil, next)
				next++
				err := a.Send(ctx, b.Addr(), protocol.Frame{Type: protocol.MessageTypePacket, Payload: payload})
				mu.Unlock()
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for want := uint32(0); want < senders*perSender; want++ {
		msg, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive after %d frames: %v", want, err)
		}
		if got := binary.BigEndian.Uint32(msg.Frame.Payload); got != want {
			t.Fatalf("frame %d arrived in position %d", got, want)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Send: %v", err)
	}
}
