// Package pairing runs the emoji pairing state machine. A device enters
// pairing mode and broadcasts a random emoji; the user picks the peer
// showing the matching emoji; both sides then exchange relationship
// keys. All state is session scoped and nothing is persisted.
package pairing

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/tether/tether/clock"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

type Config struct {
	PairingTimeout    time.Duration
	DiscoveryTimeout  time.Duration
	BroadcastInterval time.Duration
	MinSignalStrength uint8
	MaxDevices        int
}

func DefaultConfig() Config {
	return Config{
		PairingTimeout:    300 * time.Second,
		DiscoveryTimeout:  30 * time.Second,
		BroadcastInterval: 2 * time.Second,
		MinSignalStrength: 20,
		MaxDevices:        20,
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg       Config
	clock     clock.Clock
	deviceKey identity.PublicKey

	mu         sync.RWMutex
	state      State
	discovered map[string]Device
}

func NewManager(cfg Config, clk clock.Clock, deviceKey identity.PublicKey) *Manager {
	def := DefaultConfig()
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = def.PairingTimeout
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = def.MaxDevices
	}
	return &Manager{
		cfg:        cfg,
		clock:      clk,
		deviceKey:  deviceKey,
		state:      Idle{},
		discovered: make(map[string]Device),
	}
}

func (m *Manager) Config() Config { return m.cfg }

// SetMinSignalStrength changes the discovery threshold at runtime.
func (m *Manager) SetMinSignalStrength(v uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MinSignalStrength = v
}

// EnterPairingMode starts a new session with a fresh emoji and session
// id. Any previous session and its discoveries are discarded.
func (m *Manager) EnterPairingMode() (Announcement, Event) {
	now := m.clock.Now()
	our := Announcement{
		Symbol:    pool[mrand.Intn(len(pool))],
		SessionID: newSessionID(now),
		DeviceKey: m.deviceKey,
		StartedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Active{Our: our}
	clear(m.discovered)
	return our, Started{Our: our}
}

// ExitPairingMode cancels the current session. It is a no-op when idle.
func (m *Manager) ExitPairingMode() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	our, ok := announcement(m.state)
	if !ok {
		return nil
	}
	m.reset()
	return Cancelled{SessionID: our.SessionID}
}

// ReportDiscoveredDevice records a peer's broadcast. Our own session
// and weak signals are ignored without error. It returns a Discovered
// event the first time a session is seen.
func (m *Manager) ReportDiscoveredDevice(d Device) (Event, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var our Announcement
	switch s := m.state.(type) {
	case Active:
		our = s.Our
	case WaitingForSelection:
		our = s.Our
	default:
		return nil, fmt.Errorf("%w: not in pairing mode (%s)", tcrypto.ErrPairing, m.state.Name())
	}

	if d.SessionID == our.SessionID || d.DeviceKey == m.deviceKey {
		return nil, nil
	}
	if d.SignalStrength < m.cfg.MinSignalStrength {
		return nil, nil
	}

	if existing, ok := m.discovered[d.SessionID]; ok {
		existing.LastSeen = now
		existing.SignalStrength = d.SignalStrength
		if d.Address != "" {
			existing.Address = d.Address
		}
		m.discovered[d.SessionID] = existing
		return nil, nil
	}

	if len(m.discovered) >= m.cfg.MaxDevices {
		m.evictOldest()
	}
	d.FirstSeen = now
	d.LastSeen = now
	m.discovered[d.SessionID] = d
	if _, ok := m.state.(Active); ok {
		m.state = WaitingForSelection{Our: our}
	}
	return Discovered{Device: d}, nil
}

func (m *Manager) evictOldest() {
	var oldest string
	var oldestAt time.Time
	for id, d := range m.discovered {
		if oldest == "" || d.FirstSeen.Before(oldestAt) ||
			d.FirstSeen.Equal(oldestAt) && id < oldest {
			oldest, oldestAt = id, d.FirstSeen
		}
	}
	delete(m.discovered, oldest)
}

// DiscoveredDevices returns the current discoveries, oldest first.
func (m *Manager) DiscoveredDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.discovered))
	for _, d := range m.discovered {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Discovered looks up a discovered device by session id.
func (m *Manager) Discovered(sessionID string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.discovered[sessionID]
	return d, ok
}

// SelectDeviceForPairing commits to the device broadcasting sessionID.
func (m *Manager) SelectDeviceForPairing(sessionID string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var our Announcement
	switch s := m.state.(type) {
	case Active:
		our = s.Our
	case WaitingForSelection:
		our = s.Our
	default:
		return Device{}, fmt.Errorf("%w: not in active pairing mode (%s)", tcrypto.ErrPairing, m.state.Name())
	}
	target, ok := m.discovered[sessionID]
	if !ok {
		return Device{}, fmt.Errorf("%w: device %q not in discovered list", tcrypto.ErrPairing, sessionID)
	}
	m.state = Completing{Our: our, Target: target}
	return target, nil
}

// CompletePairing finishes the session with the selected device and
// returns the peer's device key. sessionID must match the selection.
func (m *Manager) CompletePairing(sessionID string) (identity.PublicKey, Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.(Completing)
	if !ok {
		return identity.PublicKey{}, nil, fmt.Errorf("%w: not in completing state (%s)", tcrypto.ErrPairing, m.state.Name())
	}
	if s.Target.SessionID != sessionID {
		return identity.PublicKey{}, nil, fmt.Errorf("%w: target emoji mismatch", tcrypto.ErrPairing)
	}
	m.reset()
	return s.Target.DeviceKey, Completed{Our: s.Our, Peer: s.Target}, nil
}

// Update expires an Active or WaitingForSelection session after
// PairingTimeout and prunes devices not seen for DiscoveryTimeout. A
// Completing session does not expire. Call it periodically.
func (m *Manager) Update() []Event {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	our, ok := announcement(m.state)
	if !ok {
		return nil
	}
	_, completing := m.state.(Completing)
	if !completing && now.Sub(our.StartedAt) > m.cfg.PairingTimeout {
		m.reset()
		return []Event{TimedOut{SessionID: our.SessionID}}
	}

	var events []Event
	for id, d := range m.discovered {
		if now.Sub(d.LastSeen) > m.cfg.DiscoveryTimeout {
			delete(m.discovered, id)
			events = append(events, Lost{SessionID: id})
		}
	}
	if _, waiting := m.state.(WaitingForSelection); waiting && len(m.discovered) == 0 {
		m.state = Active{Our: our}
	}
	return events
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns our announcement while a session is running.
func (m *Manager) Current() (Announcement, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return announcement(m.state)
}

func (m *Manager) reset() {
	m.state = Idle{}
	clear(m.discovered)
}

// newSessionID is the low 32 bits of the time in nanoseconds and 32
// random bits, both hex.
func newSessionID(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x_%x", uint32(now.UnixNano()), binary.BigEndian.Uint32(b[:]))
}
