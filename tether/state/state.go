// Package state is the daemon's sqlite database: durable permission
// grants and periodic statistics snapshots.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/permission"
)

const schema = `
CREATE TABLE IF NOT EXISTS grants (
    relationship_id TEXT NOT NULL,
    opcode          INTEGER NOT NULL,
    granted_at      INTEGER NOT NULL,
    PRIMARY KEY (relationship_id, opcode)
);

CREATE TABLE IF NOT EXISTS snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT NOT NULL,
    taken_at    INTEGER NOT NULL,
    payload     BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_kind ON snapshots(kind, taken_at);
`

// ErrNoSnapshot is returned when no snapshot of a kind was ever saved.
var ErrNoSnapshot = errors.New("state: no snapshot")

// DB implements permission.Store.
type DB struct {
	db *sql.DB
}

var _ permission.Store = (*DB)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *DB) PutGrant(g permission.Grant) error {
	_, err := d.db.Exec(`
		INSERT INTO grants (relationship_id, opcode, granted_at) VALUES (?, ?, ?)
		ON CONFLICT(relationship_id, opcode) DO NOTHING`,
		string(g.RelationshipID), int(g.OpCode), g.GrantedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (d *DB) DeleteGrant(id identity.RelationshipID, op bytecode.OpCode) error {
	if _, err := d.db.Exec(`DELETE FROM grants WHERE relationship_id = ? AND opcode = ?`, string(id), int(op)); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

func (d *DB) DeleteGrants(id identity.RelationshipID) error {
	if _, err := d.db.Exec(`DELETE FROM grants WHERE relationship_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	return nil
}

func (d *DB) Grants() ([]permission.Grant, error) {
	rows, err := d.db.Query(`SELECT relationship_id, opcode, granted_at FROM grants ORDER BY relationship_id, opcode`)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var out []permission.Grant
	for rows.Next() {
		var (
			id string
			op int
			at int64
		)
		if err := rows.Scan(&id, &op, &at); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, permission.Grant{
			RelationshipID: identity.RelationshipID(id),
			OpCode:         bytecode.OpCode(op),
			GrantedAt:      time.Unix(0, at).UTC(),
		})
	}
	return out, rows.Err()
}

// SaveSnapshot records payload under kind and keeps only the newest
// keep snapshots of that kind.
func (d *DB) SaveSnapshot(kind string, at time.Time, payload []byte, keep int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO snapshots (kind, taken_at, payload) VALUES (?, ?, ?)`,
		kind, at.UnixNano(), payload); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if keep > 0 {
		if _, err := tx.Exec(`
			DELETE FROM snapshots WHERE kind = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE kind = ? ORDER BY taken_at DESC, id DESC LIMIT ?
			)`, kind, kind, keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return tx.Commit()
}

// LatestSnapshot returns the newest payload of kind.
func (d *DB) LatestSnapshot(kind string) (time.Time, []byte, error) {
	var (
		at      int64
		payload []byte
	)
	err := d.db.QueryRow(`SELECT taken_at, payload FROM snapshots WHERE kind = ? ORDER BY taken_at DESC, id DESC LIMIT 1`, kind).
		Scan(&at, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil, ErrNoSnapshot
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("query snapshot: %w", err)
	}
	return time.Unix(0, at).UTC(), payload, nil
}
