package node

import (
	"context"
	"fmt"

	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/protocol"
)

// StartPairing enters pairing mode and starts advertising our beacon.
func (n *Node) StartPairing(ctx context.Context) (pairing.Announcement, error) {
	n.pairMu.Lock()
	clear(n.held)
	clear(n.beaconed)
	n.pairMu.Unlock()

	our, ev := n.keys.EnterPairing()
	n.emit(ev)
	n.log.Info("pairing mode entered", "emoji", our.Emoji, "description", our.Description, "session_id", our.SessionID)
	return our, n.announce(ctx)
}

// StopPairing cancels the running session.
func (n *Node) StopPairing() {
	n.pairMu.Lock()
	clear(n.held)
	n.pairMu.Unlock()
	n.emit(n.keys.Pairing().ExitPairingMode())
	n.withdraw()
}

func (n *Node) announce(ctx context.Context) error {
	if n.carrier == nil {
		return nil
	}
	b, err := n.keys.Beacon(n.cfg.Advertise)
	if err != nil {
		return err
	}
	return n.carrier.Announce(ctx, b)
}

func (n *Node) withdraw() {
	if n.carrier == nil {
		return
	}
	if err := n.carrier.Withdraw(); err != nil {
		n.log.Debug("withdrawing beacon", "error", err)
	}
}

// SendBeacon pushes our beacon straight to addr, for peers that cannot
// see the discovery carrier. The peer answers with its own beacon.
func (n *Node) SendBeacon(ctx context.Context, addr string) error {
	b, err := n.keys.Beacon(n.cfg.Advertise)
	if err != nil {
		return err
	}
	data, err := protocol.EncodeBeacon(b)
	if err != nil {
		return err
	}
	n.pairMu.Lock()
	n.beaconed[addr] = true
	n.pairMu.Unlock()
	return n.tr.Send(ctx, addr, protocol.Frame{Type: protocol.MessageTypeBeacon, Payload: data})
}

// answerBeacon returns our beacon once per session to a peer that sent
// us its beacon directly.
func (n *Node) answerBeacon(ctx context.Context, from string) {
	if _, ok := n.keys.Pairing().Current(); !ok {
		return
	}
	n.pairMu.Lock()
	done := n.beaconed[from]
	n.pairMu.Unlock()
	if done {
		return
	}
	if err := n.SendBeacon(ctx, from); err != nil {
		n.log.Debug("answering beacon", "to", from, "error", err)
	}
}

func (n *Node) discoveryLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-n.carrier.Sightings():
			if !ok {
				return nil
			}
			n.observe(ctx, s.Beacon, s.Signal)
		}
	}
}

func (n *Node) observe(ctx context.Context, b protocol.Beacon, signal uint8) {
	if b.DeviceKey == n.keys.DevicePublicKey() {
		return
	}
	ev, err := n.keys.ObserveBeacon(b, signal)
	if err != nil {
		n.log.Debug("ignoring beacon", "session_id", b.SessionID, "error", err)
		return
	}
	n.emit(ev)
	if d, ok := ev.(pairing.Discovered); ok {
		n.log.Info("device discovered", "emoji", d.Device.Emoji, "name", d.Device.DeviceName, "session_id", d.Device.SessionID)
		n.tryAutoAccept(ctx, d.Device.SessionID)
	}
}

// pairingLoop expires sessions and refreshes our beacon.
func (n *Node) pairingLoop(ctx context.Context) error {
	t := n.clock.NewTicker(n.keys.Pairing().Config().BroadcastInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.tick(ctx)
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	for _, ev := range n.keys.Pairing().Update() {
		n.emit(ev)
		if to, ok := ev.(pairing.TimedOut); ok {
			n.log.Info("pairing timed out", "session_id", to.SessionID)
			n.pairMu.Lock()
			clear(n.held)
			n.pairMu.Unlock()
			n.withdraw()
		}
	}
	if _, ok := n.keys.Pairing().Current(); ok {
		if err := n.announce(ctx); err != nil {
			n.log.Debug("re-announcing beacon", "error", err)
		}
	}
}

// Select picks a discovered device. If that device already sent us an
// offer, pairing completes now; otherwise our offer is sent and pairing
// completes when the peer answers.
func (n *Node) Select(ctx context.Context, sessionID, nickname string) (pairing.Device, error) {
	n.pairMu.Lock()
	defer n.pairMu.Unlock()
	return n.selectLocked(ctx, sessionID, nickname)
}

func (n *Node) selectLocked(ctx context.Context, sessionID, nickname string) (pairing.Device, error) {
	target, err := n.keys.SelectDevice(sessionID, nickname)
	if err != nil {
		return pairing.Device{}, err
	}
	if h, ok := n.held[sessionID]; ok {
		delete(n.held, sessionID)
		return target, n.acceptLocked(ctx, h.offer, h.from)
	}

	o, target, err := n.keys.Offer(n.cfg.Advertise)
	if err != nil {
		return target, err
	}
	if err := n.sendOffer(ctx, target.Address, o); err != nil {
		return target, fmt.Errorf("sending offer to %s: %w", target.Address, err)
	}
	n.log.Info("offer sent", "session_id", sessionID, "to", target.Address)
	return target, nil
}

func (n *Node) sendOffer(ctx context.Context, addr string, o protocol.Offer) error {
	data, err := protocol.EncodeOffer(o)
	if err != nil {
		return err
	}
	return n.tr.Send(ctx, addr, protocol.Frame{Type: protocol.MessageTypeOffer, Payload: data})
}

func (n *Node) handleOffer(ctx context.Context, o protocol.Offer, from string) {
	n.pairMu.Lock()
	defer n.pairMu.Unlock()

	switch s := n.keys.Pairing().State().(type) {
	case pairing.Completing:
		if s.Target.SessionID != o.SessionID {
			n.log.Debug("dropping offer", "from", from, "reason", "another device selected")
			return
		}
		if err := n.acceptLocked(ctx, o, from); err != nil {
			n.log.Warn("pairing failed", "session_id", o.SessionID, "error", err)
		}
	case pairing.Active, pairing.WaitingForSelection:
		our, _ := n.keys.Pairing().Current()
		if o.TargetSessionID != our.SessionID {
			n.log.Debug("dropping offer", "from", from, "reason", "another session")
			return
		}
		if err := o.Verify(n.clock.Now(), n.keys.Config().MessageWindow); err != nil {
			n.log.Debug("dropping offer", "from", from, "error", err)
			return
		}
		n.held[o.SessionID] = heldOffer{offer: o, from: from}
		n.log.Info("offer waiting for selection", "session_id", o.SessionID, "name", o.DeviceName)
		if n.autoAccept.Load() {
			n.autoAcceptLocked(ctx, o.SessionID)
		}
	default:
		n.log.Debug("dropping offer", "from", from, "reason", "not pairing")
	}
}

func (n *Node) tryAutoAccept(ctx context.Context, sessionID string) {
	if !n.autoAccept.Load() {
		return
	}
	n.pairMu.Lock()
	defer n.pairMu.Unlock()
	n.autoAcceptLocked(ctx, sessionID)
}

// autoAcceptLocked completes pairing with a device that has both been
// discovered and sent an offer.
func (n *Node) autoAcceptLocked(ctx context.Context, sessionID string) {
	if _, ok := n.held[sessionID]; !ok {
		return
	}
	if _, ok := n.keys.Pairing().Discovered(sessionID); !ok {
		return
	}
	if _, err := n.selectLocked(ctx, sessionID, ""); err != nil {
		n.log.Warn("auto-accept failed", "session_id", sessionID, "error", err)
	}
}

func (n *Node) acceptLocked(ctx context.Context, o protocol.Offer, from string) error {
	s, _ := n.keys.Pairing().State().(pairing.Completing)
	c, reply, err := n.keys.AcceptOffer(o, n.cfg.Advertise)
	if err != nil {
		return err
	}
	if reply != nil {
		if err := n.sendOffer(ctx, from, *reply); err != nil {
			n.log.Warn("sending offer reply", "to", from, "error", err)
		}
	}
	if err := n.keys.SetPeerAddress(c.ID, from); err == nil {
		c.PeerAddress = from
	}
	clear(n.held)
	n.withdraw()
	n.emit(pairing.Completed{Our: s.Our, Peer: s.Target})
	n.log.Info("pairing completed", "relationship_id", c.ID, "nickname", c.Nickname)
	if n.onEstablished != nil {
		n.onEstablished(c)
	}
	return nil
}
