// Package keyring owns the device identity and every relationship. It
// turns pairing sessions into relationships and encrypts and decrypts
// packets on their behalf.
package keyring

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/tether/tether/clock"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/packet"
	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/relationship"
)

type Config struct {
	// RelationshipTimeout is the auto-forget idle limit.
	RelationshipTimeout time.Duration
	// StaleAfter removes any relationship idle this long, auto-forget
	// or not. Zero disables it.
	StaleAfter       time.Duration
	MaxRelationships int
	// MessageWindow bounds the clock skew accepted on beacons and offers.
	MessageWindow time.Duration
	Logger        *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		RelationshipTimeout: relationship.DefaultTimeout,
		StaleAfter:          90 * 24 * time.Hour,
		MaxRelationships:    relationship.DefaultMaxRelationships,
		MessageWindow:       5 * time.Minute,
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger
	device   *identity.Device
	store    *relationship.Store
	registry *relationship.Registry
	pairing  *pairing.Manager

	// pairing session bookkeeping, keyed by the target's session id
	mu        sync.Mutex
	pending   map[string]identity.KeyMaterial
	nicknames map[string]string

	dirtyMu sync.Mutex
	dirty   map[identity.RelationshipID]struct{}
}

// New loads every stored relationship and returns a ready Manager.
func New(device *identity.Device, store *relationship.Store, pm *pairing.Manager, clk clock.Clock, cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.RelationshipTimeout <= 0 {
		cfg.RelationshipTimeout = def.RelationshipTimeout
	}
	if cfg.MaxRelationships <= 0 {
		cfg.MaxRelationships = def.MaxRelationships
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = def.MessageWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		clock:     clk,
		log:       cfg.Logger,
		device:    device,
		store:     store,
		registry:  relationship.NewRegistry(cfg.MaxRelationships),
		pairing:   pm,
		pending:   make(map[string]identity.KeyMaterial),
		nicknames: make(map[string]string),
		dirty:     make(map[identity.RelationshipID]struct{}),
	}

	contexts, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	// the newest context for a peer device wins; older files are removed
	sort.Slice(contexts, func(i, j int) bool {
		if contexts[i].CreatedAt.Equal(contexts[j].CreatedAt) {
			return contexts[i].ID < contexts[j].ID
		}
		return contexts[i].CreatedAt.Before(contexts[j].CreatedAt)
	})
	for _, c := range contexts {
		for _, id := range m.registry.Put(c) {
			m.forget(id, "duplicate peer device")
		}
	}
	m.log.Info("relationships loaded", "count", m.registry.Len())
	return m, nil
}

func (m *Manager) Device() *identity.Device            { return m.device }
func (m *Manager) Pairing() *pairing.Manager           { return m.pairing }
func (m *Manager) Store() *relationship.Store          { return m.store }
func (m *Manager) Registry() *relationship.Registry    { return m.registry }
func (m *Manager) Config() Config                      { return m.cfg }
func (m *Manager) DevicePublicKey() identity.PublicKey { return m.device.Keys.Public() }

// EstablishRelationship records a new relationship, replacing any
// existing one with the same peer device, and persists it.
func (m *Manager) EstablishRelationship(nickname string, own identity.KeyMaterial, peerKey, peerDeviceKey identity.PublicKey, peerAddress string) (*relationship.Context, error) {
	if _, err := identity.ImportPublic(peerKey[:]); err != nil {
		return nil, err
	}
	c := relationship.New(nickname, own, peerKey, peerDeviceKey, m.clock.Now())
	c.PeerAddress = peerAddress

	if _, err := m.registry.Get(c.ID); err != nil {
		evicted, err := m.registry.MakeRoom()
		for _, id := range evicted {
			m.forget(id, "evicted to make room")
		}
		if err != nil {
			return nil, err
		}
	}
	for _, id := range m.registry.Put(c) {
		m.forget(id, "replaced by re-pairing")
	}
	if err := m.store.Store(c); err != nil {
		m.registry.Remove(c.ID)
		return nil, err
	}
	m.log.Info("relationship established", "relationship_id", c.ID, "nickname", nickname, "peer", peerDeviceKey.Fingerprint())
	return c.Clone(), nil
}

// forget removes id from disk after the registry already dropped it.
func (m *Manager) forget(id identity.RelationshipID, reason string) {
	if err := m.store.Remove(id); err != nil && !errors.Is(err, tcrypto.ErrRelationshipNotFound) {
		m.log.Warn("removing relationship file", "relationship_id", id, "error", err)
	}
	m.dirtyMu.Lock()
	delete(m.dirty, id)
	m.dirtyMu.Unlock()
	m.log.Info("relationship removed", "relationship_id", id, "reason", reason)
}

// Encrypt seals plaintext for the peer of relationship id. The caller
// assigns a sequence number before sending.
func (m *Manager) Encrypt(id identity.RelationshipID, plaintext []byte) (*packet.Encrypted, error) {
	c, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	p, err := packet.Seal(plaintext, c.Own, c.PeerKey, now)
	if err != nil {
		return nil, err
	}
	m.touch(id, now)
	return p, nil
}

// Decrypt finds the relationship whose peer key sent p and opens it.
func (m *Manager) Decrypt(p *packet.Encrypted) (*relationship.Context, []byte, error) {
	c, err := m.registry.ByPeerKey(p.Sender)
	if err != nil {
		return nil, nil, err
	}
	plain, err := p.Open(c.Own)
	if err != nil {
		return c, nil, err
	}
	now := m.clock.Now()
	m.touch(c.ID, now)
	c.Touch(now)
	return c, plain, nil
}

func (m *Manager) touch(id identity.RelationshipID, now time.Time) {
	if _, err := m.registry.Update(id, func(c *relationship.Context) { c.Touch(now) }); err != nil {
		return
	}
	m.dirtyMu.Lock()
	m.dirty[id] = struct{}{}
	m.dirtyMu.Unlock()
}

// Flush persists relationships whose last contact changed since the
// previous flush.
func (m *Manager) Flush() error {
	m.dirtyMu.Lock()
	ids := make([]identity.RelationshipID, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	clear(m.dirty)
	m.dirtyMu.Unlock()

	var errs []error
	for _, id := range ids {
		c, err := m.registry.Get(id)
		if err != nil {
			continue
		}
		if err := m.store.Store(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupExpired removes auto-forget relationships past their timeout
// and any relationship idle beyond StaleAfter.
func (m *Manager) CleanupExpired() []identity.RelationshipID {
	ids := m.registry.Expired(m.clock.Now(), m.cfg.RelationshipTimeout, m.cfg.StaleAfter)
	for _, id := range ids {
		m.registry.Remove(id)
		m.forget(id, "expired")
	}
	return ids
}

// Remove deletes a relationship at the user's request.
func (m *Manager) Remove(id identity.RelationshipID) error {
	if !m.registry.Remove(id) {
		return fmt.Errorf("%w: %s", tcrypto.ErrRelationshipNotFound, id)
	}
	m.forget(id, "removed by user")
	return nil
}

func (m *Manager) Relationship(id identity.RelationshipID) (*relationship.Context, error) {
	return m.registry.Get(id)
}

func (m *Manager) Relationships() []*relationship.Context { return m.registry.List() }

func (m *Manager) FindByNickname(nickname string) []*relationship.Context {
	return m.registry.FindByNickname(nickname)
}

func (m *Manager) Rename(id identity.RelationshipID, nickname string) error {
	return m.updateAndStore(id, func(c *relationship.Context) { c.Nickname = nickname })
}

func (m *Manager) SetAutoForget(id identity.RelationshipID, on bool) error {
	return m.updateAndStore(id, func(c *relationship.Context) { c.AutoForget = on })
}

// SetPeerAddress records where the peer was last reached.
func (m *Manager) SetPeerAddress(id identity.RelationshipID, addr string) error {
	c, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if c.PeerAddress == addr {
		return nil
	}
	_, err = m.registry.Update(id, func(c *relationship.Context) { c.PeerAddress = addr })
	if err != nil {
		return err
	}
	m.dirtyMu.Lock()
	m.dirty[id] = struct{}{}
	m.dirtyMu.Unlock()
	return nil
}

func (m *Manager) updateAndStore(id identity.RelationshipID, fn func(*relationship.Context)) error {
	c, err := m.registry.Update(id, fn)
	if err != nil {
		return err
	}
	return m.store.Store(c)
}

// Stats summarizes the relationship set.
func (m *Manager) Stats() relationship.Stats {
	return m.registry.Stats(m.clock.Now(), m.cfg.StaleAfter)
}

// Stale lists relationships idle longer than StaleAfter.
func (m *Manager) Stale() []*relationship.Context {
	if m.cfg.StaleAfter <= 0 {
		return nil
	}
	return m.registry.Stale(m.clock.Now(), m.cfg.StaleAfter)
}
