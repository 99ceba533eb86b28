// Package memory is an in-process discovery Carrier for tests and for
// running a daemon and a client in one process.
package memory

import (
	"context"
	"sync"

	"github.com/TheusHen/tether/tether/discovery"
	"github.com/TheusHen/tether/tether/protocol"
)

// DefaultSignal is reported between nodes without an explicit SetSignal.
const DefaultSignal = 100

type link struct{ from, to string }

// Hub connects nodes. Every announcement reaches every other node.
type Hub struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	beacons map[string]protocol.Beacon
	signals map[link]uint8
}

func NewHub() *Hub {
	return &Hub{
		nodes:   map[string]*Node{},
		beacons: map[string]protocol.Beacon{},
		signals: map[link]uint8{},
	}
}

// SetSignal fixes the strength at which to sees from's beacons.
func (h *Hub) SetSignal(from, to string, signal uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals[link{from, to}] = signal
}

func (h *Hub) signal(from, to string) uint8 {
	if s, ok := h.signals[link{from, to}]; ok {
		return s
	}
	return DefaultSignal
}

// Join adds a node named name. A joining node is immediately shown the
// beacons currently advertised by others.
func (h *Hub) Join(name string) *Node {
	n := &Node{hub: h, name: name, out: make(chan discovery.Sighting, 64), done: make(chan struct{})}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[name] = n
	for from, b := range h.beacons {
		if from != name {
			n.deliver(discovery.Sighting{Beacon: b, Signal: h.signal(from, name)})
		}
	}
	return n
}

// Node implements discovery.Carrier.
type Node struct {
	hub  *Hub
	name string
	out  chan discovery.Sighting

	closeOnce sync.Once
	done      chan struct{}
}

var _ discovery.Carrier = (*Node)(nil)

func (n *Node) Name() string { return n.name }

// deliver drops the sighting if the receiver is not keeping up;
// beacons are re-announced periodically.
func (n *Node) deliver(s discovery.Sighting) {
	select {
	case <-n.done:
	case n.out <- s:
	default:
	}
}

func (n *Node) Announce(_ context.Context, b protocol.Beacon) error {
	select {
	case <-n.done:
		return discovery.ErrClosed
	default:
	}

	h := n.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beacons[n.name] = b
	for name, peer := range h.nodes {
		if name != n.name {
			peer.deliver(discovery.Sighting{Beacon: b, Signal: h.signal(n.name, name)})
		}
	}
	return nil
}

func (n *Node) Withdraw() error {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	delete(n.hub.beacons, n.name)
	return nil
}

func (n *Node) Sightings() <-chan discovery.Sighting { return n.out }

func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.hub.mu.Lock()
		delete(n.hub.nodes, n.name)
		delete(n.hub.beacons, n.name)
		close(n.done)
		close(n.out)
		n.hub.mu.Unlock()
	})
	return nil
}
