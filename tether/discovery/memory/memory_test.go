package memory

import (
	"context"
	"testing"
	"time"

	"github.com/TheusHen/tether/tether/discovery"
	"github.com/TheusHen/tether/tether/protocol"
)

func receive(t *testing.T, n *Node) discovery.Sighting {
	t.Helper()
	select {
	case s, ok := <-n.Sightings():
		if !ok {
			t.Fatalf("%s: sightings closed", n.Name())
		}
		return s
	case <-time.After(time.Second):
		t.Fatalf("%s: no sighting", n.Name())
	}
	return discovery.Sighting{}
}

func TestHubDeliversToOthers(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	hub.SetSignal("a", "b", 42)

	if err := a.Announce(context.Background(), protocol.Beacon{SessionID: "s-a", Emoji: "🎮"}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	s := receive(t, b)
	if s.Beacon.SessionID != "s-a" || s.Signal != 42 {
		t.Fatalf("unexpected sighting %+v", s)
	}
	select {
	case s := <-a.Sightings():
		t.Fatalf("node saw its own beacon: %+v", s)
	default:
	}

	late := hub.Join("c")
	if s := receive(t, late); s.Signal != DefaultSignal || s.Beacon.Emoji != "🎮" {
		t.Fatalf("late joiner got %+v", s)
	}
}

func TestWithdrawAndClose(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	if err := a.Announce(context.Background(), protocol.Beacon{SessionID: "s-a", Emoji: "🌟"}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := a.Withdraw(); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	b := hub.Join("b")
	select {
	case s := <-b.Sightings():
		t.Fatalf("withdrawn beacon delivered: %+v", s)
	default:
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-b.Sightings(); ok {
		t.Fatalf("sightings should be closed")
	}
	if err := b.Announce(context.Background(), protocol.Beacon{}); err != discovery.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
