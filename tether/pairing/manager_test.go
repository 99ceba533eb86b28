package pairing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/tether/tether/clock"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*Manager, *clock.FakeClock) {
	t.Helper()
	keys, err := identity.Generate()
	require.NoError(t, err)
	clk := clock.Fake(epoch)
	return NewManager(DefaultConfig(), clk, keys.Public()), clk
}

func peer(t *testing.T, session string, emoji string, signal uint8) Device {
	t.Helper()
	keys, err := identity.Generate()
	require.NoError(t, err)
	sym, ok := Lookup(emoji)
	if !ok {
		sym = Symbol{Emoji: emoji, Description: "test"}
	}
	return Device{Symbol: sym, SessionID: session, DeviceKey: keys.Public(), SignalStrength: signal}
}

func TestPoolSize(t *testing.T) {
	assert.Len(t, Pool(), 30)
	seen := map[string]bool{}
	for _, s := range Pool() {
		assert.False(t, seen[s.Emoji], "duplicate %s", s.Emoji)
		seen[s.Emoji] = true
	}
}

func TestEnterPairingMode(t *testing.T) {
	m, _ := newManager(t)
	our, ev := m.EnterPairingMode()
	assert.IsType(t, Started{}, ev)
	assert.NotEmpty(t, our.SessionID)
	assert.Contains(t, our.SessionID, "_")
	_, inPool := Lookup(our.Emoji)
	assert.True(t, inPool)
	assert.IsType(t, Active{}, m.State())

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, our.SessionID, cur.SessionID)
}

func TestReportRequiresPairingMode(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.ReportDiscoveredDevice(peer(t, "s1", "🎮", 80))
	require.ErrorIs(t, err, tcrypto.ErrPairing)
}

func TestHappyPath(t *testing.T) {
	m, clk := newManager(t)
	m.EnterPairingMode()

	b := peer(t, "b-session", "🎮", 80)
	ev, err := m.ReportDiscoveredDevice(b)
	require.NoError(t, err)
	require.IsType(t, Discovered{}, ev)
	assert.IsType(t, WaitingForSelection{}, m.State())

	clk.Advance(5 * time.Second)
	target, err := m.SelectDeviceForPairing("b-session")
	require.NoError(t, err)
	assert.Equal(t, "🎮", target.Emoji)
	assert.IsType(t, Completing{}, m.State())

	key, ev, err := m.CompletePairing("b-session")
	require.NoError(t, err)
	assert.Equal(t, b.DeviceKey, key)
	assert.IsType(t, Completed{}, ev)
	assert.IsType(t, Idle{}, m.State())
	assert.Empty(t, m.DiscoveredDevices())
}

func TestSelectUnknownDevice(t *testing.T) {
	m, _ := newManager(t)
	m.EnterPairingMode()
	_, err := m.SelectDeviceForPairing("nope")
	require.ErrorIs(t, err, tcrypto.ErrPairing)
}

func TestCompleteRequiresMatchingSession(t *testing.T) {
	m, _ := newManager(t)
	_, _, err := m.CompletePairing("x")
	require.ErrorIs(t, err, tcrypto.ErrPairing)

	m.EnterPairingMode()
	_, err = m.ReportDiscoveredDevice(peer(t, "b", "🎮", 80))
	require.NoError(t, err)
	_, err = m.SelectDeviceForPairing("b")
	require.NoError(t, err)

	_, _, err = m.CompletePairing("c")
	require.ErrorIs(t, err, tcrypto.ErrPairing)
	assert.IsType(t, Completing{}, m.State())
}

func TestSelfDiscoveryIgnored(t *testing.T) {
	m, _ := newManager(t)
	our, _ := m.EnterPairingMode()
	self := peer(t, our.SessionID, our.Emoji, 100)
	ev, err := m.ReportDiscoveredDevice(self)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, m.DiscoveredDevices())
}

func TestSignalFiltering(t *testing.T) {
	m, _ := newManager(t)
	m.EnterPairingMode()
	for _, s := range []uint8{0, 5, 19} {
		_, err := m.ReportDiscoveredDevice(peer(t, fmt.Sprintf("weak-%d", s), "🐸", s))
		require.NoError(t, err)
	}
	assert.Empty(t, m.DiscoveredDevices())

	_, err := m.ReportDiscoveredDevice(peer(t, "ok", "🐸", 20))
	require.NoError(t, err)
	assert.Len(t, m.DiscoveredDevices(), 1)
}

func TestCapacityEvictsOldest(t *testing.T) {
	m, clk := newManager(t)
	m.EnterPairingMode()
	max := m.Config().MaxDevices

	for i := 0; i <= max; i++ {
		_, err := m.ReportDiscoveredDevice(peer(t, fmt.Sprintf("s%02d", i), "🍕", 50))
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
	}

	devices := m.DiscoveredDevices()
	require.Len(t, devices, max)
	_, ok := m.Discovered("s00")
	assert.False(t, ok, "oldest device should have been evicted")
	_, ok = m.Discovered(fmt.Sprintf("s%02d", max))
	assert.True(t, ok)
}

func TestCapacityEvictsLowestSessionOnTie(t *testing.T) {
	m, _ := newManager(t)
	m.EnterPairingMode()
	max := m.Config().MaxDevices

	for i := max; i >= 0; i-- {
		_, err := m.ReportDiscoveredDevice(peer(t, fmt.Sprintf("s%02d", i), "🍕", 50))
		require.NoError(t, err)
	}

	require.Len(t, m.DiscoveredDevices(), max)
	_, ok := m.Discovered("s01")
	assert.False(t, ok, "lowest session id among equally old devices goes first")
	for _, id := range []string{"s00", "s02", fmt.Sprintf("s%02d", max)} {
		_, ok = m.Discovered(id)
		assert.True(t, ok, id)
	}
}

func TestRefreshKnownDevice(t *testing.T) {
	m, clk := newManager(t)
	m.EnterPairingMode()
	d := peer(t, "b", "🦊", 40)
	_, err := m.ReportDiscoveredDevice(d)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	d.SignalStrength = 90
	ev, err := m.ReportDiscoveredDevice(d)
	require.NoError(t, err)
	assert.Nil(t, ev)

	got, ok := m.Discovered("b")
	require.True(t, ok)
	assert.Equal(t, uint8(90), got.SignalStrength)
	assert.Equal(t, epoch, got.FirstSeen)
	assert.Equal(t, epoch.Add(10*time.Second), got.LastSeen)
}

func TestUpdateDeviceLost(t *testing.T) {
	m, clk := newManager(t)
	m.EnterPairingMode()
	_, err := m.ReportDiscoveredDevice(peer(t, "b", "🎲", 60))
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	assert.Empty(t, m.Update())

	clk.Advance(time.Second)
	events := m.Update()
	require.Len(t, events, 1)
	assert.Equal(t, Lost{SessionID: "b"}, events[0])
	assert.Empty(t, m.DiscoveredDevices())
	assert.IsType(t, Active{}, m.State())
}

func TestUpdatePairingTimeout(t *testing.T) {
	m, clk := newManager(t)
	our, _ := m.EnterPairingMode()

	clk.Advance(300 * time.Second)
	assert.Empty(t, m.Update())
	assert.IsType(t, Active{}, m.State())

	clk.Advance(time.Second)
	events := m.Update()
	require.Len(t, events, 1)
	assert.Equal(t, TimedOut{SessionID: our.SessionID}, events[0])
	assert.IsType(t, Idle{}, m.State())
}

func TestCompletingDoesNotTimeOut(t *testing.T) {
	m, clk := newManager(t)
	m.EnterPairingMode()
	_, err := m.ReportDiscoveredDevice(peer(t, "b", "🎲", 60))
	require.NoError(t, err)
	_, err = m.SelectDeviceForPairing("b")
	require.NoError(t, err)

	clk.Set(epoch.Add(time.Hour))
	for _, ev := range m.Update() {
		_, timedOut := ev.(TimedOut)
		assert.False(t, timedOut)
	}
	assert.IsType(t, Completing{}, m.State())

	_, ev, err := m.CompletePairing("b")
	require.NoError(t, err)
	assert.IsType(t, Completed{}, ev)
}

func TestExitPairingMode(t *testing.T) {
	m, _ := newManager(t)
	assert.Nil(t, m.ExitPairingMode())

	our, _ := m.EnterPairingMode()
	assert.Equal(t, Cancelled{SessionID: our.SessionID}, m.ExitPairingMode())
	assert.IsType(t, Idle{}, m.State())
}

func TestReenterClearsDiscoveries(t *testing.T) {
	m, _ := newManager(t)
	first, _ := m.EnterPairingMode()
	_, err := m.ReportDiscoveredDevice(peer(t, "b", "🎮", 80))
	require.NoError(t, err)

	second, _ := m.EnterPairingMode()
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Empty(t, m.DiscoveredDevices())
}
