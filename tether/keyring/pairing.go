package keyring

import (
	"fmt"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/protocol"
	"github.com/TheusHen/tether/tether/relationship"
)

// EnterPairing starts a pairing session and forgets any half-finished
// key exchange from a previous one.
func (m *Manager) EnterPairing() (pairing.Announcement, pairing.Event) {
	m.mu.Lock()
	clear(m.pending)
	clear(m.nicknames)
	m.mu.Unlock()
	return m.pairing.EnterPairingMode()
}

// Beacon returns the signed beacon for the running session.
func (m *Manager) Beacon(address string) (protocol.Beacon, error) {
	our, ok := m.pairing.Current()
	if !ok {
		return protocol.Beacon{}, fmt.Errorf("%w: not in pairing mode", tcrypto.ErrPairing)
	}
	b := protocol.Beacon{
		SessionID:   our.SessionID,
		Emoji:       our.Emoji,
		Description: our.Description,
		DeviceKey:   m.device.Keys.Public(),
		DeviceName:  m.device.Name,
		Address:     address,
		Timestamp:   m.clock.Now().Unix(),
	}
	if err := b.Sign(m.device.Keys); err != nil {
		return protocol.Beacon{}, err
	}
	return b, nil
}

// ObserveBeacon verifies a received beacon and reports it to the
// pairing state machine.
func (m *Manager) ObserveBeacon(b protocol.Beacon, signal uint8) (pairing.Event, error) {
	if err := b.Verify(m.clock.Now(), m.cfg.MessageWindow); err != nil {
		return nil, err
	}
	sym, ok := pairing.Lookup(b.Emoji)
	if !ok {
		sym = pairing.Symbol{Emoji: b.Emoji, Description: b.Description}
	}
	return m.pairing.ReportDiscoveredDevice(pairing.Device{
		Symbol:         sym,
		SessionID:      b.SessionID,
		DeviceKey:      b.DeviceKey,
		DeviceName:     b.DeviceName,
		Address:        b.Address,
		SignalStrength: signal,
	})
}

// SelectDevice picks the discovered device for sessionID. The nickname
// names the relationship that pairing will create; empty means the
// peer's device name or emoji description.
func (m *Manager) SelectDevice(sessionID, nickname string) (pairing.Device, error) {
	target, err := m.pairing.SelectDeviceForPairing(sessionID)
	if err != nil {
		return pairing.Device{}, err
	}
	if nickname == "" {
		nickname = target.DeviceName
	}
	if nickname == "" {
		nickname = target.Description
	}
	m.mu.Lock()
	m.nicknames[sessionID] = nickname
	m.mu.Unlock()
	return target, nil
}

// Offer creates our relationship key for the selected device and
// returns the signed offer to send it. The key is held until the peer's
// offer arrives.
func (m *Manager) Offer(address string) (protocol.Offer, pairing.Device, error) {
	s, ok := m.pairing.State().(pairing.Completing)
	if !ok {
		return protocol.Offer{}, pairing.Device{}, fmt.Errorf("%w: no device selected", tcrypto.ErrPairing)
	}

	m.mu.Lock()
	own, ok := m.pending[s.Target.SessionID]
	if !ok {
		var err error
		own, err = identity.Generate()
		if err != nil {
			m.mu.Unlock()
			return protocol.Offer{}, pairing.Device{}, err
		}
		m.pending[s.Target.SessionID] = own
	}
	m.mu.Unlock()

	o, err := m.signOffer(s.Our.SessionID, s.Target.SessionID, own, address)
	return o, s.Target, err
}

func (m *Manager) signOffer(ourSession, targetSession string, own identity.KeyMaterial, address string) (protocol.Offer, error) {
	o := protocol.Offer{
		SessionID:       ourSession,
		TargetSessionID: targetSession,
		DeviceKey:       m.device.Keys.Public(),
		RelationshipKey: own.Public(),
		DeviceName:      m.device.Name,
		Address:         address,
		Timestamp:       m.clock.Now().Unix(),
	}
	if err := o.Sign(m.device.Keys); err != nil {
		return protocol.Offer{}, err
	}
	return o, nil
}

// AcceptOffer completes pairing with the peer that sent o. The offer
// must come from the selected device, name our session, and carry a
// valid signature by the device key seen in its beacon.
//
// If we had already sent our own offer, the relationship is built from
// that key and reply is nil. Otherwise a fresh key is generated and
// reply must be sent back to the peer.
func (m *Manager) AcceptOffer(o protocol.Offer, address string) (*relationship.Context, *protocol.Offer, error) {
	if err := o.Verify(m.clock.Now(), m.cfg.MessageWindow); err != nil {
		return nil, nil, err
	}
	s, ok := m.pairing.State().(pairing.Completing)
	if !ok {
		return nil, nil, fmt.Errorf("%w: offer received with no device selected", tcrypto.ErrPairing)
	}
	if o.TargetSessionID != s.Our.SessionID {
		return nil, nil, fmt.Errorf("%w: offer is for another session", tcrypto.ErrPairing)
	}
	if o.SessionID != s.Target.SessionID || o.DeviceKey != s.Target.DeviceKey {
		return nil, nil, fmt.Errorf("%w: offer is not from the selected device", tcrypto.ErrPairing)
	}

	peerDevice, _, err := m.pairing.CompletePairing(o.SessionID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	own, offered := m.pending[o.SessionID]
	nickname := m.nicknames[o.SessionID]
	delete(m.pending, o.SessionID)
	delete(m.nicknames, o.SessionID)
	m.mu.Unlock()

	var reply *protocol.Offer
	if !offered {
		own, err = identity.Generate()
		if err != nil {
			return nil, nil, err
		}
		r, err := m.signOffer(s.Our.SessionID, o.SessionID, own, address)
		if err != nil {
			return nil, nil, err
		}
		reply = &r
	}
	if nickname == "" {
		nickname = o.DeviceName
	}

	c, err := m.EstablishRelationship(nickname, own, o.RelationshipKey, peerDevice, o.Address)
	if err != nil {
		return nil, nil, err
	}
	return c, reply, nil
}
