package relationship

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

// DefaultMaxRelationships bounds a Registry.
const DefaultMaxRelationships = 100

// Stats summarizes a Registry.
type Stats struct {
	Total        int       `json:"total"`
	AutoForget   int       `json:"auto_forget"`
	Stale        int       `json:"stale"`
	OldestActive time.Time `json:"oldest_contact,omitempty"`
	NewestActive time.Time `json:"newest_contact,omitempty"`
}

// Registry is the in-memory set of live relationships, indexed by id
// and by the peer's relationship key. It holds clones; callers never
// share a *Context with it.
type Registry struct {
	max int

	mu     sync.RWMutex
	byID   map[identity.RelationshipID]*Context
	byPeer map[identity.PublicKey]identity.RelationshipID
}

func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxRelationships
	}
	return &Registry{
		max:    max,
		byID:   make(map[identity.RelationshipID]*Context),
		byPeer: make(map[identity.PublicKey]identity.RelationshipID),
	}
}

// Put inserts or replaces c. A context for the same peer device under
// a different id is replaced, so re-pairing never leaves two contexts
// for one peer. It returns the ids that were displaced.
func (r *Registry) Put(c *Context) []identity.RelationshipID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced []identity.RelationshipID
	if !c.PeerDeviceKey.IsZero() {
		for id, existing := range r.byID {
			if id != c.ID && existing.PeerDeviceKey == c.PeerDeviceKey {
				r.deleteLocked(id)
				displaced = append(displaced, id)
			}
		}
	}
	if old, ok := r.byID[c.ID]; ok {
		delete(r.byPeer, old.PeerKey)
	}
	r.byID[c.ID] = c.Clone()
	r.byPeer[c.PeerKey] = c.ID
	return displaced
}

func (r *Registry) deleteLocked(id identity.RelationshipID) {
	if c, ok := r.byID[id]; ok {
		delete(r.byPeer, c.PeerKey)
		delete(r.byID, id)
	}
}

// Remove deletes id, reporting whether it existed.
func (r *Registry) Remove(id identity.RelationshipID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	r.deleteLocked(id)
	return ok
}

func (r *Registry) Get(id identity.RelationshipID) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tcrypto.ErrRelationshipNotFound, id)
	}
	return c.Clone(), nil
}

// ByPeerKey finds the relationship whose peer uses key.
func (r *Registry) ByPeerKey(key identity.PublicKey) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[key]
	if !ok {
		return nil, fmt.Errorf("%w: no relationship for peer %s", tcrypto.ErrRelationshipNotFound, key.Fingerprint())
	}
	return r.byID[id].Clone(), nil
}

// FindByNickname matches case-insensitively.
func (r *Registry) FindByNickname(nickname string) []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Context
	for _, c := range r.byID {
		if strings.EqualFold(c.Nickname, nickname) {
			out = append(out, c.Clone())
		}
	}
	sortByID(out)
	return out
}

// Update applies fn to the stored context for id.
func (r *Registry) Update(id identity.RelationshipID, fn func(*Context)) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tcrypto.ErrRelationshipNotFound, id)
	}
	fn(c)
	return c.Clone(), nil
}

// List returns every context sorted by id.
func (r *Registry) List() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c.Clone())
	}
	sortByID(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Expired lists auto-forget contexts idle for longer than timeout, plus
// every context idle longer than staleAfter when staleAfter > 0.
func (r *Registry) Expired(now time.Time, timeout, staleAfter time.Duration) []identity.RelationshipID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []identity.RelationshipID
	for id, c := range r.byID {
		if c.IsExpired(now, timeout) || (staleAfter > 0 && c.Idle(now) > staleAfter) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stale lists contexts idle for longer than d regardless of auto-forget.
func (r *Registry) Stale(now time.Time, d time.Duration) []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Context
	for _, c := range r.byID {
		if c.Idle(now) > d {
			out = append(out, c.Clone())
		}
	}
	sortByID(out)
	return out
}

// MakeRoom evicts least recently contacted auto-forget relationships
// until one more fits. Relationships with auto-forget off are never
// evicted; if only those remain, MakeRoom fails.
func (r *Registry) MakeRoom() ([]identity.RelationshipID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID) < r.max {
		return nil, nil
	}

	candidates := make([]*Context, 0, len(r.byID))
	for _, c := range r.byID {
		if c.AutoForget {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastContact.Before(candidates[j].LastContact)
	})

	var evicted []identity.RelationshipID
	for _, c := range candidates {
		if len(r.byID) < r.max {
			break
		}
		evicted = append(evicted, c.ID)
		r.deleteLocked(c.ID)
	}
	if len(r.byID) >= r.max {
		return evicted, fmt.Errorf("%w: relationship limit %d reached", tcrypto.ErrStorage, r.max)
	}
	return evicted, nil
}

func (r *Registry) Stats(now time.Time, staleAfter time.Duration) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Total: len(r.byID)}
	for _, c := range r.byID {
		if c.AutoForget {
			st.AutoForget++
		}
		if staleAfter > 0 && c.Idle(now) > staleAfter {
			st.Stale++
		}
		if st.OldestActive.IsZero() || c.LastContact.Before(st.OldestActive) {
			st.OldestActive = c.LastContact
		}
		if c.LastContact.After(st.NewestActive) {
			st.NewestActive = c.LastContact
		}
	}
	return st
}

func sortByID(cs []*Context) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
