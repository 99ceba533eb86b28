// Package relationship holds the long-lived pairwise trust contexts
// created by pairing, and persists them encrypted on disk.
package relationship

import (
	"encoding/json"
	"fmt"
	"time"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

// DefaultTimeout is how long an auto-forget relationship may go without
// contact before the cleanup sweep removes it.
const DefaultTimeout = 30 * 24 * time.Hour

// Context is one relationship. Own is a keypair generated for this
// relationship only; PeerKey is the peer's matching relationship key.
type Context struct {
	ID            identity.RelationshipID
	Nickname      string
	Own           identity.KeyMaterial
	PeerKey       identity.PublicKey
	PeerDeviceKey identity.PublicKey
	PeerAddress   string
	CreatedAt     time.Time
	LastContact   time.Time
	AutoForget    bool
}

// New builds a context for a freshly paired peer.
func New(nickname string, own identity.KeyMaterial, peerKey, peerDeviceKey identity.PublicKey, now time.Time) *Context {
	return &Context{
		ID:            identity.NewRelationshipID(own.Public(), peerKey),
		Nickname:      nickname,
		Own:           own,
		PeerKey:       peerKey,
		PeerDeviceKey: peerDeviceKey,
		CreatedAt:     now.UTC(),
		LastContact:   now.UTC(),
		AutoForget:    true,
	}
}

func (c *Context) Touch(now time.Time) { c.LastContact = now.UTC() }

// Idle is the time since the last successful exchange.
func (c *Context) Idle(now time.Time) time.Duration { return now.Sub(c.LastContact) }

// IsExpired reports whether the auto-forget sweep should remove c.
func (c *Context) IsExpired(now time.Time, timeout time.Duration) bool {
	return c.AutoForget && c.Idle(now) > timeout
}

// Clone returns a copy safe to hand to another goroutine.
func (c *Context) Clone() *Context {
	cp := *c
	return &cp
}

type contextJSON struct {
	ID            identity.RelationshipID `json:"id"`
	Nickname      string                  `json:"nickname"`
	OwnSecret     []byte                  `json:"own_secret"`
	PeerKey       identity.PublicKey      `json:"peer_key"`
	PeerDeviceKey identity.PublicKey      `json:"peer_device_key"`
	PeerAddress   string                  `json:"peer_address,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	LastContact   time.Time               `json:"last_contact"`
	AutoForget    bool                    `json:"auto_forget"`
}

func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{
		ID:            c.ID,
		Nickname:      c.Nickname,
		OwnSecret:     c.Own.Secret(),
		PeerKey:       c.PeerKey,
		PeerDeviceKey: c.PeerDeviceKey,
		PeerAddress:   c.PeerAddress,
		CreatedAt:     c.CreatedAt,
		LastContact:   c.LastContact,
		AutoForget:    c.AutoForget,
	})
}

// UnmarshalJSON also checks that the stored id matches the keys.
func (c *Context) UnmarshalJSON(data []byte) error {
	var w contextJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	own, err := identity.FromSecret(w.OwnSecret)
	if err != nil {
		return err
	}
	if want := identity.NewRelationshipID(own.Public(), w.PeerKey); want != w.ID {
		return fmt.Errorf("%w: relationship id %s does not match its keys", tcrypto.ErrInvalidKey, w.ID)
	}
	*c = Context{
		ID:            w.ID,
		Nickname:      w.Nickname,
		Own:           own,
		PeerKey:       w.PeerKey,
		PeerDeviceKey: w.PeerDeviceKey,
		PeerAddress:   w.PeerAddress,
		CreatedAt:     w.CreatedAt,
		LastContact:   w.LastContact,
		AutoForget:    w.AutoForget,
	}
	return nil
}
