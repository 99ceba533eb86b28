package permission

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/identity"
)

var (
	epoch = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
	relA  = identity.RelationshipID("0123456789abcdef0123456789abcdef")
	relB  = identity.RelationshipID("fedcba9876543210fedcba9876543210")
)

type memStore struct {
	grants map[identity.RelationshipID]map[bytecode.OpCode]Grant
	fail   error
}

func newMemStore() *memStore {
	return &memStore{grants: make(map[identity.RelationshipID]map[bytecode.OpCode]Grant)}
}

func (m *memStore) PutGrant(g Grant) error {
	if m.fail != nil {
		return m.fail
	}
	if m.grants[g.RelationshipID] == nil {
		m.grants[g.RelationshipID] = make(map[bytecode.OpCode]Grant)
	}
	m.grants[g.RelationshipID][g.OpCode] = g
	return nil
}

func (m *memStore) DeleteGrant(id identity.RelationshipID, op bytecode.OpCode) error {
	if m.fail != nil {
		return m.fail
	}
	delete(m.grants[id], op)
	return nil
}

func (m *memStore) DeleteGrants(id identity.RelationshipID) error {
	if m.fail != nil {
		return m.fail
	}
	delete(m.grants, id)
	return nil
}

func (m *memStore) Grants() ([]Grant, error) {
	var out []Grant
	for _, ops := range m.grants {
		for _, g := range ops {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestDefaultDeny(t *testing.T) {
	tbl := New(clock.Fake(epoch), nil, quiet)
	for _, id := range []identity.RelationshipID{relA, relB, ""} {
		for _, op := range bytecode.OpCodes() {
			assert.False(t, tbl.Check(id, op), "%s %s", id, op)
		}
	}
	assert.Zero(t, tbl.Count())
}

func TestGrantRevoke(t *testing.T) {
	clk := clock.Fake(epoch)
	tbl := New(clk, nil, quiet)

	require.NoError(t, tbl.Grant(relA, bytecode.LlmQuery))
	assert.True(t, tbl.Check(relA, bytecode.LlmQuery))
	assert.False(t, tbl.Check(relA, bytecode.ImageGenerate))
	assert.False(t, tbl.Check(relB, bytecode.LlmQuery))

	clk.Advance(time.Minute)
	require.NoError(t, tbl.Grant(relA, bytecode.LlmQuery))
	require.Len(t, tbl.All(), 1)
	assert.Equal(t, epoch, tbl.All()[0].GrantedAt, "regrant keeps first timestamp")

	require.NoError(t, tbl.Grant(relA, bytecode.Echo))
	assert.Equal(t, []bytecode.OpCode{bytecode.Echo, bytecode.LlmQuery}, tbl.List(relA))

	require.NoError(t, tbl.Revoke(relA, bytecode.LlmQuery))
	assert.False(t, tbl.Check(relA, bytecode.LlmQuery))
	require.NoError(t, tbl.Revoke(relA, bytecode.LlmQuery))

	require.NoError(t, tbl.Grant(relB, bytecode.FileList))
	n, err := tbl.RevokeAll(relA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, tbl.List(relA))
	assert.Equal(t, 1, tbl.Count())
}

func TestWriteThrough(t *testing.T) {
	store := newMemStore()
	tbl := New(clock.Fake(epoch), store, quiet)

	require.NoError(t, tbl.Grant(relA, bytecode.Echo))
	require.NoError(t, tbl.Grant(relB, bytecode.FileTransfer))
	require.NoError(t, tbl.Revoke(relB, bytecode.FileTransfer))

	reloaded := New(clock.Fake(epoch), store, quiet)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Check(relA, bytecode.Echo))
	assert.False(t, reloaded.Check(relB, bytecode.FileTransfer))
}

func TestStoreFailureLeavesTableUnchanged(t *testing.T) {
	store := newMemStore()
	tbl := New(clock.Fake(epoch), store, quiet)
	require.NoError(t, tbl.Grant(relA, bytecode.Echo))

	store.fail = errors.New("disk full")
	assert.Error(t, tbl.Grant(relA, bytecode.Nop))
	assert.False(t, tbl.Check(relA, bytecode.Nop))
	assert.Error(t, tbl.Revoke(relA, bytecode.Echo))
	assert.True(t, tbl.Check(relA, bytecode.Echo))
	_, err := tbl.RevokeAll(relA)
	assert.Error(t, err)
	assert.True(t, tbl.Check(relA, bytecode.Echo))
}
