// Package permission holds the per-relationship opcode grants. Absence
// of a grant means denied.
package permission

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/identity"
)

// Grant is one allowed (relationship, opcode) pair.
type Grant struct {
	RelationshipID identity.RelationshipID `json:"relationship_id"`
	OpCode         bytecode.OpCode         `json:"opcode"`
	GrantedAt      time.Time               `json:"granted_at"`
}

// Store persists grants. Table writes through to it on every change.
type Store interface {
	PutGrant(g Grant) error
	DeleteGrant(id identity.RelationshipID, op bytecode.OpCode) error
	DeleteGrants(id identity.RelationshipID) error
	Grants() ([]Grant, error)
}

// Table is safe for concurrent use. Checks take only the read lock.
type Table struct {
	clock clock.Clock
	store Store
	log   *slog.Logger

	mu     sync.RWMutex
	grants map[identity.RelationshipID]map[bytecode.OpCode]time.Time
}

// New returns an empty table. store may be nil for an in-memory table.
func New(clk clock.Clock, store Store, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		clock:  clk,
		store:  store,
		log:    logger,
		grants: make(map[identity.RelationshipID]map[bytecode.OpCode]time.Time),
	}
}

// Load replaces the in-memory grants with the store's contents.
func (t *Table) Load() error {
	if t.store == nil {
		return nil
	}
	all, err := t.store.Grants()
	if err != nil {
		return err
	}
	grants := make(map[identity.RelationshipID]map[bytecode.OpCode]time.Time)
	for _, g := range all {
		if grants[g.RelationshipID] == nil {
			grants[g.RelationshipID] = make(map[bytecode.OpCode]time.Time)
		}
		grants[g.RelationshipID][g.OpCode] = g.GrantedAt
	}

	t.mu.Lock()
	t.grants = grants
	t.mu.Unlock()
	return nil
}

// Grant allows op for id. Granting twice keeps the first timestamp.
func (t *Table) Grant(id identity.RelationshipID, op bytecode.OpCode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := t.grants[id]
	if ops == nil {
		ops = make(map[bytecode.OpCode]time.Time)
		t.grants[id] = ops
	}
	if _, ok := ops[op]; ok {
		return nil
	}
	now := t.clock.Now()
	if t.store != nil {
		if err := t.store.PutGrant(Grant{RelationshipID: id, OpCode: op, GrantedAt: now}); err != nil {
			return err
		}
	}
	ops[op] = now
	t.log.Info("permission granted", "relationship_id", id, "opcode", op.String())
	return nil
}

// Revoke removes a single grant. Revoking an absent grant is not an error.
func (t *Table) Revoke(id identity.RelationshipID, op bytecode.OpCode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := t.grants[id]
	if _, ok := ops[op]; !ok {
		return nil
	}
	if t.store != nil {
		if err := t.store.DeleteGrant(id, op); err != nil {
			return err
		}
	}
	delete(ops, op)
	if len(ops) == 0 {
		delete(t.grants, id)
	}
	t.log.Info("permission revoked", "relationship_id", id, "opcode", op.String())
	return nil
}

// RevokeAll drops every grant for id and reports how many there were.
func (t *Table) RevokeAll(id identity.RelationshipID) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.grants[id])
	if n == 0 {
		return 0, nil
	}
	if t.store != nil {
		if err := t.store.DeleteGrants(id); err != nil {
			return 0, err
		}
	}
	delete(t.grants, id)
	t.log.Info("permissions revoked", "relationship_id", id, "count", n)
	return n, nil
}

func (t *Table) Check(id identity.RelationshipID, op bytecode.OpCode) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.grants[id][op]
	return ok
}

// List returns the opcodes granted to id in numeric order.
func (t *Table) List(id identity.RelationshipID) []bytecode.OpCode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]bytecode.OpCode, 0, len(t.grants[id]))
	for op := range t.grants[id] {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns every grant ordered by relationship then opcode.
func (t *Table) All() []Grant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Grant
	for id, ops := range t.grants {
		for op, at := range ops {
			out = append(out, Grant{RelationshipID: id, OpCode: op, GrantedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RelationshipID != out[j].RelationshipID {
			return out[i].RelationshipID < out[j].RelationshipID
		}
		return out[i].OpCode < out[j].OpCode
	})
	return out
}

// Count returns the number of grants.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, ops := range t.grants {
		n += len(ops)
	}
	return n
}
