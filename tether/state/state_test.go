package state

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/permission"
)

var epoch = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func openDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "tether.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestGrantsSurviveReopen(t *testing.T) {
	db, path := openDB(t)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	rel := identity.RelationshipID("0123456789abcdef0123456789abcdef")

	tbl := permission.New(clock.Fake(epoch), db, quiet)
	require.NoError(t, tbl.Grant(rel, bytecode.LlmQuery))
	require.NoError(t, tbl.Grant(rel, bytecode.Echo))
	require.NoError(t, tbl.Revoke(rel, bytecode.Echo))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	grants, err := db2.Grants()
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, rel, grants[0].RelationshipID)
	assert.Equal(t, bytecode.LlmQuery, grants[0].OpCode)
	assert.True(t, grants[0].GrantedAt.Equal(epoch))

	reloaded := permission.New(clock.Fake(epoch), db2, quiet)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Check(rel, bytecode.LlmQuery))
	assert.False(t, reloaded.Check(rel, bytecode.Echo))

	require.NoError(t, db2.DeleteGrants(rel))
	grants, err = db2.Grants()
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestSnapshots(t *testing.T) {
	db, _ := openDB(t)

	_, _, err := db.LatestSnapshot("stats")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	for i := 0; i < 5; i++ {
		at := epoch.Add(time.Duration(i) * 30 * time.Second)
		require.NoError(t, db.SaveSnapshot("stats", at, []byte{byte(i)}, 3))
	}
	require.NoError(t, db.SaveSnapshot("other", epoch, []byte("x"), 3))

	at, payload, err := db.LatestSnapshot("stats")
	require.NoError(t, err)
	assert.True(t, at.Equal(epoch.Add(2*time.Minute)))
	assert.Equal(t, []byte{4}, payload)

	var n int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE kind = 'stats'`).Scan(&n))
	assert.Equal(t, 3, n)
}
