package node

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/tether/tether/clock"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/discovery"
	dmem "github.com/TheusHen/tether/tether/discovery/memory"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/keyring"
	"github.com/TheusHen/tether/tether/packet"
	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/protocol"
	"github.com/TheusHen/tether/tether/relationship"
	tmem "github.com/TheusHen/tether/tether/transport/memory"
)

var epoch = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type peer struct {
	node  *Node
	ep    *tmem.Endpoint
	inbox chan packet.Inner
}

func newPeer(t *testing.T, ctx context.Context, clk clock.Clock, network *tmem.Network, carrier discovery.Carrier, name string) *peer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dev, err := identity.NewDevice(name, clk.Now())
	require.NoError(t, err)
	store, err := relationship.OpenStore(t.TempDir(), "pw", relationship.StoreOptions{
		Scrypt: tcrypto.ScryptParams{N: 1 << 10, R: 8, P: 1},
		Logger: logger,
	})
	require.NoError(t, err)
	pm := pairing.NewManager(pairing.DefaultConfig(), clk, dev.Keys.Public())
	kcfg := keyring.DefaultConfig()
	kcfg.Logger = logger
	km, err := keyring.New(dev, store, pm, clk, kcfg)
	require.NoError(t, err)

	ep, err := network.Listen(name)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	p := &peer{
		node:  New(km, ep, carrier, clk, Config{App: name, Logger: logger}),
		ep:    ep,
		inbox: make(chan packet.Inner, 16),
	}
	go p.node.Run(ctx, func(_ context.Context, _ *relationship.Context, in packet.Inner) {
		p.inbox <- in
	})
	return p
}

func waitFor[E pairing.Event](t *testing.T, p *peer) E {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.node.Events():
			if e, ok := ev.(E); ok {
				return e
			}
		case <-deadline:
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func receive(t *testing.T, p *peer) packet.Inner {
	t.Helper()
	select {
	case in := <-p.inbox:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
		return packet.Inner{}
	}
}

func only(t *testing.T, p *peer) *relationship.Context {
	t.Helper()
	rels := p.node.Keyring().Relationships()
	require.Len(t, rels, 1)
	return rels[0]
}

func TestPairOverDiscoveryWithAutoAccept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.Fake(epoch)
	hub := dmem.NewHub()
	network := tmem.NewNetwork()

	laptop := newPeer(t, ctx, clk, network, hub.Join("laptop"), "laptop")
	handheld := newPeer(t, ctx, clk, network, hub.Join("handheld"), "handheld")
	laptop.node.SetAutoAccept(true)

	_, err := laptop.node.StartPairing(ctx)
	require.NoError(t, err)
	_, err = handheld.node.StartPairing(ctx)
	require.NoError(t, err)

	seen := waitFor[pairing.Discovered](t, handheld)
	assert.Equal(t, "laptop", seen.Device.DeviceName)
	_, err = handheld.node.Select(ctx, seen.Device.SessionID, "my laptop")
	require.NoError(t, err)

	waitFor[pairing.Completed](t, laptop)
	waitFor[pairing.Completed](t, handheld)

	lr, hr := only(t, laptop), only(t, handheld)
	assert.Equal(t, lr.ID, hr.ID)
	assert.Equal(t, "my laptop", hr.Nickname)
	assert.Equal(t, "handheld", lr.PeerAddress)
	assert.IsType(t, pairing.Idle{}, laptop.node.Keyring().Pairing().State())

	payload := []byte("hello")
	require.NoError(t, handheld.node.Send(ctx, hr.ID, packet.Inner{
		Type:     packet.TypeData,
		Payload:  payload,
		Metadata: packet.RequestMetadata("handheld", "laptop", "c-1"),
	}))
	in := receive(t, laptop)
	assert.Equal(t, payload, in.Payload)
	assert.Equal(t, "c-1", in.Metadata.CorrelationID)

	require.NoError(t, handheld.node.Heartbeat(ctx, hr.ID, "hb-1"))
	ack := receive(t, handheld)
	assert.Equal(t, packet.TypeAck, ack.Type)
	assert.Equal(t, "hb-1", ack.Metadata.CorrelationID)
	select {
	case in := <-laptop.inbox:
		t.Fatalf("heartbeat reached the handler: %+v", in)
	default:
	}
}

func TestPairOverDirectBeacons(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.Fake(epoch)
	network := tmem.NewNetwork()

	a := newPeer(t, ctx, clk, network, nil, "a")
	b := newPeer(t, ctx, clk, network, nil, "b")

	_, err := a.node.StartPairing(ctx)
	require.NoError(t, err)
	_, err = b.node.StartPairing(ctx)
	require.NoError(t, err)

	require.NoError(t, b.node.SendBeacon(ctx, "a"))
	fromB := waitFor[pairing.Discovered](t, a)
	fromA := waitFor[pairing.Discovered](t, b)

	// a offers first; b holds the offer until its operator picks a.
	_, err = a.node.Select(ctx, fromB.Device.SessionID, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b.node.pairMu.Lock()
		defer b.node.pairMu.Unlock()
		return len(b.node.held) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, b.node.Keyring().Relationships())

	_, err = b.node.Select(ctx, fromA.Device.SessionID, "")
	require.NoError(t, err)
	waitFor[pairing.Completed](t, a)

	assert.Equal(t, only(t, a).ID, only(t, b).ID)
}

func TestReplayedPacketIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.Fake(epoch)
	hub := dmem.NewHub()
	network := tmem.NewNetwork()

	a := newPeer(t, ctx, clk, network, hub.Join("a"), "a")
	b := newPeer(t, ctx, clk, network, hub.Join("b"), "b")
	a.node.SetAutoAccept(true)
	_, err := a.node.StartPairing(ctx)
	require.NoError(t, err)
	_, err = b.node.StartPairing(ctx)
	require.NoError(t, err)
	seen := waitFor[pairing.Discovered](t, b)
	_, err = b.node.Select(ctx, seen.Device.SessionID, "")
	require.NoError(t, err)
	waitFor[pairing.Completed](t, b)
	id := only(t, b).ID

	inner, err := packet.Inner{Type: packet.TypeData, Payload: []byte("once")}.Encode()
	require.NoError(t, err)
	p, err := b.node.Keyring().Encrypt(id, inner)
	require.NoError(t, err)
	require.NoError(t, b.node.Sequencer().PrepareOutgoing(p))
	data, err := p.MarshalBinary()
	require.NoError(t, err)

	frame := protocol.Frame{Type: protocol.MessageTypePacket, Payload: data}
	require.NoError(t, b.ep.Send(ctx, "a", frame))
	require.NoError(t, b.ep.Send(ctx, "a", frame))

	assert.Equal(t, []byte("once"), receive(t, a).Payload)
	require.Eventually(t, func() bool {
		return a.node.Sequencer().Stats().DuplicatePackets == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.inbox)

	garbage := protocol.Frame{Type: protocol.MessageTypePacket, Payload: []byte{0xff, 0x00}}
	require.NoError(t, b.ep.Send(ctx, "a", garbage))
	assert.Equal(t, uint64(1), a.node.Sequencer().Stats().PacketsReceived)
}

func TestConcurrentSendsAreAllDelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.Fake(epoch)
	hub := dmem.NewHub()
	network := tmem.NewNetwork()

	a := newPeer(t, ctx, clk, network, hub.Join("a"), "a")
	b := newPeer(t, ctx, clk, network, hub.Join("b"), "b")
	a.node.SetAutoAccept(true)
	_, err := a.node.StartPairing(ctx)
	require.NoError(t, err)
	_, err = b.node.StartPairing(ctx)
	require.NoError(t, err)
	seen := waitFor[pairing.Discovered](t, b)
	_, err = b.node.Select(ctx, seen.Device.SessionID, "")
	require.NoError(t, err)
	waitFor[pairing.Completed](t, b)
	id := only(t, b).ID

	const senders, perSender = 10, 30
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				payload := []byte(strconv.Itoa(s*perSender + i))
				assert.NoError(t, b.node.Send(ctx, id, packet.Inner{Type: packet.TypeData, Payload: payload}))
			}
		}()
	}

	got := make(map[string]bool)
	for n := 0; n < senders*perSender; n++ {
		got[string(receive(t, a).Payload)] = true
	}
	wg.Wait()
	assert.Len(t, got, senders*perSender)
	st := a.node.Sequencer().Stats()
	assert.Zero(t, st.DuplicatePackets)
	assert.Equal(t, uint64(senders*perSender), st.PacketsReceived)
}
