package keyring

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/tether/tether/clock"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/packet"
	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/relationship"
)

var epoch = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type side struct {
	km  *Manager
	dev *identity.Device
}

func newSide(t *testing.T, clk *clock.FakeClock, name string) side {
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
	cfg := DefaultConfig()
	cfg.Logger = logger
	km, err := New(dev, store, pm, clk, cfg)
	require.NoError(t, err)
	return side{km: km, dev: dev}
}

// pair runs the full beacon and offer exchange, with a offering first.
func pair(t *testing.T, a, b side, bEmoji string) (*relationship.Context, *relationship.Context) {
	t.Helper()
	a.km.EnterPairing()
	b.km.EnterPairing()

	ba, err := a.km.Beacon("a-addr")
	require.NoError(t, err)
	bb, err := b.km.Beacon("b-addr")
	require.NoError(t, err)
	if bEmoji != "" {
		bb.Emoji = bEmoji
		require.NoError(t, bb.Sign(b.dev.Keys))
	}

	ev, err := a.km.ObserveBeacon(bb, 80)
	require.NoError(t, err)
	require.IsType(t, pairing.Discovered{}, ev)
	_, err = b.km.ObserveBeacon(ba, 80)
	require.NoError(t, err)

	_, err = a.km.SelectDevice(bb.SessionID, "handheld")
	require.NoError(t, err)
	_, err = b.km.SelectDevice(ba.SessionID, "laptop")
	require.NoError(t, err)

	offer, target, err := a.km.Offer("a-addr")
	require.NoError(t, err)
	if bEmoji != "" {
		assert.Equal(t, bEmoji, target.Emoji)
	}

	cb, reply, err := b.km.AcceptOffer(offer, "b-addr")
	require.NoError(t, err)
	require.NotNil(t, reply)

	ca, none, err := a.km.AcceptOffer(*reply, "a-addr")
	require.NoError(t, err)
	assert.Nil(t, none)
	return ca, cb
}

func TestPairingHappyPath(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")

	ca, cb := pair(t, a, b, "🎮")
	assert.Equal(t, ca.ID, cb.ID)
	assert.Equal(t, "handheld", ca.Nickname)
	assert.Equal(t, "laptop", cb.Nickname)
	assert.Equal(t, ca.Own.Public(), cb.PeerKey)
	assert.Equal(t, cb.Own.Public(), ca.PeerKey)
	assert.Equal(t, b.dev.Keys.Public(), ca.PeerDeviceKey)
	assert.Equal(t, "b-addr", ca.PeerAddress)

	assert.IsType(t, pairing.Idle{}, a.km.Pairing().State())
	assert.IsType(t, pairing.Idle{}, b.km.Pairing().State())

	stored, err := a.km.Store().Load(ca.ID)
	require.NoError(t, err)
	assert.Equal(t, ca.ID, stored.ID)
}

func TestCrossedOffers(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")
	a.km.EnterPairing()
	b.km.EnterPairing()
	ba, _ := a.km.Beacon("")
	bb, _ := b.km.Beacon("")
	_, err := a.km.ObserveBeacon(bb, 50)
	require.NoError(t, err)
	_, err = b.km.ObserveBeacon(ba, 50)
	require.NoError(t, err)
	_, err = a.km.SelectDevice(bb.SessionID, "")
	require.NoError(t, err)
	_, err = b.km.SelectDevice(ba.SessionID, "")
	require.NoError(t, err)

	oa, _, err := a.km.Offer("")
	require.NoError(t, err)
	ob, _, err := b.km.Offer("")
	require.NoError(t, err)

	ca, ra, err := a.km.AcceptOffer(ob, "")
	require.NoError(t, err)
	cb, rb, err := b.km.AcceptOffer(oa, "")
	require.NoError(t, err)
	assert.Nil(t, ra)
	assert.Nil(t, rb)
	assert.Equal(t, ca.ID, cb.ID)
	assert.Equal(t, "handheld", ca.Nickname)
}

func TestAcceptOfferRejectsWrongDevice(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")
	mallory := newSide(t, clk, "mallory")

	a.km.EnterPairing()
	b.km.EnterPairing()
	mallory.km.EnterPairing()
	ba, _ := a.km.Beacon("")
	bb, _ := b.km.Beacon("")

	_, err := a.km.ObserveBeacon(bb, 80)
	require.NoError(t, err)
	_, err = a.km.SelectDevice(bb.SessionID, "")
	require.NoError(t, err)

	_, err = mallory.km.ObserveBeacon(ba, 80)
	require.NoError(t, err)
	_, err = mallory.km.SelectDevice(ba.SessionID, "")
	require.NoError(t, err)
	forged, _, err := mallory.km.Offer("")
	require.NoError(t, err)
	forged.SessionID = bb.SessionID
	require.NoError(t, forged.Sign(mallory.dev.Keys))

	_, _, err = a.km.AcceptOffer(forged, "")
	require.ErrorIs(t, err, tcrypto.ErrPairing)
	assert.IsType(t, pairing.Completing{}, a.km.Pairing().State())
}

func TestObserveBeaconRejectsBadSignature(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")
	a.km.EnterPairing()
	b.km.EnterPairing()

	bb, err := b.km.Beacon("")
	require.NoError(t, err)
	bb.Emoji = "🎯"
	_, err = a.km.ObserveBeacon(bb, 80)
	require.ErrorIs(t, err, tcrypto.ErrSignatureVerification)
	assert.Empty(t, a.km.Pairing().DiscoveredDevices())
}

func TestEncryptDecryptUpdatesLastContact(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")
	ca, _ := pair(t, a, b, "")

	clk.Advance(time.Hour)
	p, err := b.km.Encrypt(ca.ID, []byte("ping"))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	got, plain, err := a.km.Decrypt(p)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(plain))
	assert.Equal(t, ca.ID, got.ID)

	cur, err := a.km.Relationship(ca.ID)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour+time.Minute), cur.LastContact)

	require.NoError(t, a.km.Flush())
	a.km.Store().ClearCache()
	stored, err := a.km.Store().Load(ca.ID)
	require.NoError(t, err)
	assert.Equal(t, cur.LastContact, stored.LastContact)
}

func TestUnknownRelationship(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")
	c := newSide(t, clk, "stranger")
	ca, _ := pair(t, a, b, "")

	_, err := c.km.Encrypt(ca.ID, []byte("x"))
	require.ErrorIs(t, err, tcrypto.ErrRelationshipNotFound)

	stranger, err := identity.Generate()
	require.NoError(t, err)
	p, err := packet.Seal([]byte("x"), stranger, ca.Own.Public(), clk.Now())
	require.NoError(t, err)
	_, _, err = a.km.Decrypt(p)
	require.ErrorIs(t, err, tcrypto.ErrRelationshipNotFound)
}

func TestRepairingOverwrites(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")

	first, _ := pair(t, a, b, "")
	clk.Advance(time.Minute)
	second, _ := pair(t, a, b, "")

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, a.km.Relationships(), 1)
	_, err := a.km.Store().Load(first.ID)
	require.ErrorIs(t, err, tcrypto.ErrRelationshipNotFound)
}

func TestCleanupExpired(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")
	c := newSide(t, clk, "other")
	ab, _ := pair(t, a, b, "")
	ac, _ := pair(t, a, c, "")
	require.NoError(t, a.km.SetAutoForget(ac.ID, false))

	clk.Advance(relationship.DefaultTimeout + time.Second)
	removed := a.km.CleanupExpired()
	assert.Equal(t, []identity.RelationshipID{ab.ID}, removed)
	assert.Len(t, a.km.Relationships(), 1)

	clk.Advance(90 * 24 * time.Hour)
	assert.Len(t, a.km.Stale(), 1)
	assert.Equal(t, []identity.RelationshipID{ac.ID}, a.km.CleanupExpired())
}

func TestRenameAndRemove(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, clk, "laptop")
	b := newSide(t, clk, "handheld")
	ca, _ := pair(t, a, b, "")

	require.NoError(t, a.km.Rename(ca.ID, "Pocket"))
	assert.Len(t, a.km.FindByNickname("pocket"), 1)

	require.NoError(t, a.km.Remove(ca.ID))
	require.ErrorIs(t, a.km.Remove(ca.ID), tcrypto.ErrRelationshipNotFound)
	assert.Equal(t, 0, a.km.Stats().Total)
}

func TestLoadDropsOlderDuplicateOfPeerDevice(t *testing.T) {
	clk := clock.Fake(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := relationship.OpenStore(t.TempDir(), "pw", relationship.StoreOptions{
		Scrypt: tcrypto.ScryptParams{N: 1 << 10, R: 8, P: 1},
		Logger: logger,
	})
	require.NoError(t, err)

	peerDevice, err := identity.Generate()
	require.NoError(t, err)
	newContext := func(at time.Time) *relationship.Context {
		own, err := identity.Generate()
		require.NoError(t, err)
		peer, err := identity.Generate()
		require.NoError(t, err)
		c := relationship.New("handheld", own, peer.Public(), peerDevice.Public(), at)
		require.NoError(t, store.Store(c))
		return c
	}
	older := newContext(epoch)
	newer := newContext(epoch.Add(time.Hour))

	dev, err := identity.NewDevice("laptop", clk.Now())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Logger = logger
	km, err := New(dev, store, pairing.NewManager(pairing.DefaultConfig(), clk, dev.Keys.Public()), clk, cfg)
	require.NoError(t, err)

	rels := km.Relationships()
	require.Len(t, rels, 1)
	assert.Equal(t, newer.ID, rels[0].ID)
	_, err = store.Load(older.ID)
	require.ErrorIs(t, err, tcrypto.ErrRelationshipNotFound)
	ids, err := store.ListIDs()
	require.NoError(t, err)
	assert.Equal(t, []identity.RelationshipID{newer.ID}, ids)
}
