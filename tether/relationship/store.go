package relationship

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

const (
	// Extension is the file extension of relationship files.
	Extension = "rel"
	// BackupExtension is the conventional extension for backups.
	BackupExtension = "bak"
	// DefaultCacheSize bounds the in-memory context cache.
	DefaultCacheSize = 50

	keyFile      = ".storekey"
	keyCheckText = "tether relationship store"
)

// StoreOptions tune a Store. Zero values select defaults.
type StoreOptions struct {
	CacheSize int
	Scrypt    tcrypto.ScryptParams
	Logger    *slog.Logger
}

// Store keeps one encrypted JSON file per relationship, named
// <id>.rel, in a single directory. File contents are sealed with a key
// stretched from the user's passphrase; the relationship id is bound
// in as associated data so files cannot be swapped.
type Store struct {
	dir   string
	aead  *tcrypto.AEAD
	cache *lru.Cache[identity.RelationshipID, *Context]
	log   *slog.Logger
}

// storeKey is the JSON content of the key parameter file.
type storeKey struct {
	Salt  []byte `json:"salt"`
	N     int    `json:"scrypt_N"`
	R     int    `json:"scrypt_r"`
	P     int    `json:"scrypt_p"`
	Check []byte `json:"check"`
}

// OpenStore opens or initializes the store in dir. A passphrase that
// does not match the one the store was created with fails with
// ErrStorage.
func OpenStore(dir, passphrase string, opts StoreOptions) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Scrypt.N == 0 {
		opts.Scrypt = tcrypto.DefaultScrypt
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", tcrypto.ErrStorage, dir, err)
	}

	aead, err := openStoreKey(filepath.Join(dir, keyFile), passphrase, opts.Scrypt)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[identity.RelationshipID, *Context](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	return &Store{dir: dir, aead: aead, cache: cache, log: opts.Logger}, nil
}

func openStoreKey(path, passphrase string, params tcrypto.ScryptParams) (*tcrypto.AEAD, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var sk storeKey
		if err := json.Unmarshal(raw, &sk); err != nil {
			return nil, fmt.Errorf("%w: malformed %s: %v", tcrypto.ErrStorage, path, err)
		}
		aead, err := storeAEAD(passphrase, sk.Salt, tcrypto.ScryptParams{N: sk.N, R: sk.R, P: sk.P})
		if err != nil {
			return nil, err
		}
		if _, err := aead.Open(sk.Check, []byte(keyCheckText)); err != nil {
			return nil, fmt.Errorf("%w: wrong passphrase for relationship store", tcrypto.ErrStorage)
		}
		return aead, nil

	case errors.Is(err, fs.ErrNotExist):
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("%w: salt: %v", tcrypto.ErrStorage, err)
		}
		aead, err := storeAEAD(passphrase, salt, params)
		if err != nil {
			return nil, err
		}
		check, err := aead.Seal(nil, []byte(keyCheckText))
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(storeKey{Salt: salt, N: params.N, R: params.R, P: params.P, Check: check})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
		}
		if err := identity.WriteFileAtomic(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("%w: write %s: %v", tcrypto.ErrStorage, path, err)
		}
		return aead, nil

	default:
		return nil, fmt.Errorf("%w: read %s: %v", tcrypto.ErrStorage, path, err)
	}
}

func storeAEAD(passphrase string, salt []byte, params tcrypto.ScryptParams) (*tcrypto.AEAD, error) {
	kek, err := tcrypto.PassphraseKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	key, err := tcrypto.DeriveKey(kek, salt, tcrypto.InfoStorageKey, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	return tcrypto.NewAEAD(key)
}

// Dir is the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id identity.RelationshipID) string {
	return filepath.Join(s.dir, string(id)+"."+Extension)
}

// Store writes c and refreshes the cache.
func (s *Store) Store(c *Context) error {
	sealed, err := s.seal(c)
	if err != nil {
		return err
	}
	if err := identity.WriteFileAtomic(s.path(c.ID), sealed, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", tcrypto.ErrStorage, c.ID, err)
	}
	s.cache.Add(c.ID, c.Clone())
	return nil
}

func (s *Store) seal(c *Context) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", tcrypto.ErrStorage, c.ID, err)
	}
	sealed, err := s.aead.Seal(raw, []byte(c.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: seal %s: %v", tcrypto.ErrStorage, c.ID, err)
	}
	return sealed, nil
}

// Load returns the context for id, from cache when possible.
func (s *Store) Load(id identity.RelationshipID) (*Context, error) {
	if c, ok := s.cache.Get(id); ok {
		return c.Clone(), nil
	}
	sealed, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", tcrypto.ErrRelationshipNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", tcrypto.ErrStorage, id, err)
	}
	c, err := s.open(id, sealed)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, c.Clone())
	return c, nil
}

func (s *Store) open(id identity.RelationshipID, sealed []byte) (*Context, error) {
	raw, err := s.aead.Open(sealed, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", tcrypto.ErrStorage, id, err)
	}
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", tcrypto.ErrStorage, id, err)
	}
	if c.ID != id {
		return nil, fmt.Errorf("%w: file %s holds relationship %s", tcrypto.ErrStorage, id, c.ID)
	}
	return &c, nil
}

// Remove deletes the file and cache entry for id. Removing an unknown
// id fails with ErrRelationshipNotFound.
func (s *Store) Remove(id identity.RelationshipID) error {
	s.cache.Remove(id)
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", tcrypto.ErrRelationshipNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: remove %s: %v", tcrypto.ErrStorage, id, err)
	}
	return nil
}

// ListIDs returns the ids of every relationship file, sorted.
func (s *Store) ListIDs() ([]identity.RelationshipID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", tcrypto.ErrStorage, s.dir, err)
	}
	var ids []identity.RelationshipID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "."+Extension) {
			continue
		}
		id, err := identity.ParseRelationshipID(strings.TrimSuffix(name, "."+Extension))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LoadAll loads every relationship in the directory. Files that cannot
// be read or decrypted are logged and skipped.
func (s *Store) LoadAll() ([]*Context, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*Context, 0, len(ids))
	for _, id := range ids {
		c, err := s.Load(id)
		if err != nil {
			s.log.Warn("skipping unreadable relationship", "relationship_id", id, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Export seals one relationship under passphrase for moving it to
// another installation.
func (s *Store) Export(id identity.RelationshipID, passphrase string) ([]byte, error) {
	c, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	return tcrypto.SealWithPassphrase(passphrase, raw, tcrypto.DefaultScrypt)
}

// Import reverses Export and stores the result.
func (s *Store) Import(data []byte, passphrase string) (*Context, error) {
	raw, err := tcrypto.OpenWithPassphrase(passphrase, data)
	if err != nil {
		return nil, err
	}
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	if err := s.Store(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Info describes the store on disk.
type Info struct {
	Path      string `json:"path"`
	Count     int    `json:"count"`
	Bytes     int64  `json:"bytes"`
	CacheSize int    `json:"cached"`
}

func (s *Store) Info() (Info, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return Info{}, err
	}
	info := Info{Path: s.dir, Count: len(ids), CacheSize: s.cache.Len()}
	for _, id := range ids {
		if st, err := os.Stat(s.path(id)); err == nil {
			info.Bytes += st.Size()
		}
	}
	return info, nil
}

func (s *Store) ClearCache() { s.cache.Purge() }
