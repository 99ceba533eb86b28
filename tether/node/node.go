// Package node runs one side of a tether link: it pairs with peers over
// a discovery carrier, then exchanges encrypted packets with them over a
// transport. The daemon and the handheld client are both built on it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/tether/tether/clock"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/discovery"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/keyring"
	"github.com/TheusHen/tether/tether/packet"
	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/protocol"
	"github.com/TheusHen/tether/tether/relationship"
	"github.com/TheusHen/tether/tether/transport"
)

// DirectSignal is the signal strength given to beacons received over
// the transport rather than a discovery carrier.
const DirectSignal = 100

var ErrNoAddress = errors.New("node: relationship has no known peer address")

type Config struct {
	// Advertise is the address put in beacons and offers. Empty means
	// the transport's own address.
	Advertise string
	// App is the sender app name in packet metadata.
	App          string
	PacketMaxAge time.Duration
	Logger       *slog.Logger
}

// Handler receives every authenticated inner packet except heartbeats,
// which the node answers itself. It runs on the receive loop and must
// not block.
type Handler func(ctx context.Context, c *relationship.Context, in packet.Inner)

type heldOffer struct {
	offer protocol.Offer
	from  string
}

type Node struct {
	cfg     Config
	keys    *keyring.Manager
	seq     *packet.Sequencer
	tr      transport.Transport
	carrier discovery.Carrier
	clock   clock.Clock
	log     *slog.Logger

	autoAccept    atomic.Bool
	onEstablished func(*relationship.Context)
	events        chan pairing.Event

	// pairMu serializes selection and offer handling.
	pairMu   sync.Mutex
	held     map[string]heldOffer
	beaconed map[string]bool

	// sending holds one lock per relationship, taken from sequence
	// assignment until the frame is handed to the transport.
	sendMu  sync.Mutex
	sending map[identity.RelationshipID]*sync.Mutex
}

// New builds a node. carrier may be nil when pairing only happens over
// direct beacons.
func New(keys *keyring.Manager, tr transport.Transport, carrier discovery.Carrier, clk clock.Clock, cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Advertise == "" {
		cfg.Advertise = tr.Addr()
	}
	if cfg.App == "" {
		cfg.App = "tether"
	}
	seq := packet.NewSequencer(clk, cfg.PacketMaxAge)
	seq.StartAt(uint64(clk.Now().UnixMicro()))
	return &Node{
		cfg:      cfg,
		keys:     keys,
		seq:      seq,
		tr:       tr,
		carrier:  carrier,
		clock:    clk,
		log:      cfg.Logger,
		events:   make(chan pairing.Event, 64),
		held:     make(map[string]heldOffer),
		beaconed: make(map[string]bool),
		sending:  make(map[identity.RelationshipID]*sync.Mutex),
	}
}

func (n *Node) Keyring() *keyring.Manager    { return n.keys }
func (n *Node) Sequencer() *packet.Sequencer { return n.seq }
func (n *Node) Advertise() string            { return n.cfg.Advertise }
func (n *Node) App() string                  { return n.cfg.App }
func (n *Node) Events() <-chan pairing.Event { return n.events }
func (n *Node) SetAutoAccept(on bool)        { n.autoAccept.Store(on) }
func (n *Node) AutoAccept() bool             { return n.autoAccept.Load() }

// OnEstablished registers fn to run after every completed pairing. Set
// it before Run.
func (n *Node) OnEstablished(fn func(*relationship.Context)) { n.onEstablished = fn }

func (n *Node) emit(ev pairing.Event) {
	if ev == nil {
		return
	}
	select {
	case n.events <- ev:
	default:
		n.log.Debug("pairing event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

// Run serves the transport, the discovery carrier and the pairing
// timers until ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.receiveLoop(ctx, h) })
	if n.carrier != nil {
		g.Go(func() error { return n.discoveryLoop(ctx) })
	}
	g.Go(func() error { return n.pairingLoop(ctx) })
	return g.Wait()
}

func (n *Node) receiveLoop(ctx context.Context, h Handler) error {
	for {
		msg, err := n.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		n.handleFrame(ctx, msg, h)
	}
}

func (n *Node) handleFrame(ctx context.Context, msg transport.Message, h Handler) {
	switch msg.Frame.Type {
	case protocol.MessageTypePacket:
		n.handlePacket(ctx, msg, h)
	case protocol.MessageTypeOffer:
		o, err := protocol.DecodeOffer(msg.Frame.Payload)
		if err != nil {
			n.log.Debug("dropping offer", "from", msg.From, "reason", "decode", "error", err)
			return
		}
		n.handleOffer(ctx, o, msg.From)
	case protocol.MessageTypeBeacon:
		b, err := protocol.DecodeBeacon(msg.Frame.Payload)
		if err != nil {
			n.log.Debug("dropping beacon", "from", msg.From, "reason", "decode", "error", err)
			return
		}
		n.observe(ctx, b, DirectSignal)
		n.answerBeacon(ctx, msg.From)
	}
}

// handlePacket drops anything that is stale, replayed, unauthenticated
// or undecodable without telling the sender.
func (n *Node) handlePacket(ctx context.Context, msg transport.Message, h Handler) {
	p, err := packet.Decode(msg.Frame.Payload)
	if err != nil {
		n.log.Debug("dropping packet", "from", msg.From, "reason", "decode", "error", err)
		return
	}
	if r := n.seq.Check(p); r != packet.Valid {
		n.seq.Reject(r)
		n.log.Debug("dropping packet", "from", msg.From, "reason", r)
		return
	}
	c, plain, err := n.keys.Decrypt(p)
	if err != nil {
		if errors.Is(err, tcrypto.ErrRelationshipNotFound) {
			n.log.Debug("dropping packet", "from", msg.From, "reason", "unknown_sender")
			return
		}
		r := packet.Classify(err)
		n.seq.Reject(r)
		n.log.Debug("dropping packet", "from", msg.From, "reason", r)
		return
	}
	if r := n.seq.ProcessIncoming(p); r != packet.Valid {
		n.log.Debug("dropping packet", "from", msg.From, "reason", r)
		return
	}
	in, err := packet.DecodeInner(plain)
	if err != nil {
		n.log.Debug("dropping packet", "from", msg.From, "reason", "inner_decode", "error", err)
		return
	}

	if err := n.keys.SetPeerAddress(c.ID, msg.From); err == nil {
		c.PeerAddress = msg.From
	}

	if in.Type == packet.TypeHeartbeat {
		ack := packet.Inner{Type: packet.TypeAck, Metadata: in.Reply(in.Metadata.Priority)}
		if err := n.Send(ctx, c.ID, ack); err != nil {
			n.log.Debug("heartbeat ack failed", "relationship_id", c.ID, "error", err)
		}
		return
	}
	if h != nil {
		h(ctx, c, in)
	}
}

// Send encrypts in for the peer of relationship id and sends it to the
// peer's last known address.
func (n *Node) Send(ctx context.Context, id identity.RelationshipID, in packet.Inner) error {
	c, err := n.keys.Relationship(id)
	if err != nil {
		return err
	}
	if c.PeerAddress == "" {
		return fmt.Errorf("%w: %s", ErrNoAddress, id)
	}
	plain, err := in.Encode()
	if err != nil {
		return err
	}
	p, err := n.keys.Encrypt(id, plain)
	if err != nil {
		return err
	}

	// receivers drop anything at or below the last sequence they saw,
	// so packets to one peer must leave in sequence order
	mu := n.sendLock(id)
	mu.Lock()
	defer mu.Unlock()
	if err := n.seq.PrepareOutgoing(p); err != nil {
		return err
	}
	data, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return n.tr.Send(ctx, c.PeerAddress, protocol.Frame{Type: protocol.MessageTypePacket, Payload: data})
}

func (n *Node) sendLock(id identity.RelationshipID) *sync.Mutex {
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	mu, ok := n.sending[id]
	if !ok {
		mu = new(sync.Mutex)
		n.sending[id] = mu
	}
	return mu
}

// Heartbeat asks the peer for an Ack carrying correlationID.
func (n *Node) Heartbeat(ctx context.Context, id identity.RelationshipID, correlationID string) error {
	md := packet.HighPriorityMetadata(n.cfg.App, n.cfg.App)
	md.CorrelationID = correlationID
	return n.Send(ctx, id, packet.Inner{Type: packet.TypeHeartbeat, Metadata: md})
}

// Forget drops replay state for a removed relationship.
func (n *Node) Forget(c *relationship.Context) {
	n.seq.Forget(c.PeerKey.String())
	n.sendMu.Lock()
	delete(n.sending, c.ID)
	n.sendMu.Unlock()
}
