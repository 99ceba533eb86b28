package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/TheusHen/tether/tether/codec"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/transfer/erasure"
)

var (
	ErrNotFound    = errors.New("transfer: file not found")
	ErrInvalidName = errors.New("transfer: invalid file name")
)

const (
	manifestFile   = "manifest.cbor"
	shardPrefix    = "shard."
	spoolDirSuffix = ".spool"
)

// SpoolOptions configures chunking and redundancy for new files.
// Files already stored keep the layout recorded in their manifest.
type SpoolOptions struct {
	ChunkSize    int
	DataShards   int
	ParityShards int
	Level        CompressionLevel
	Logger       *slog.Logger
}

func DefaultSpoolOptions() SpoolOptions {
	return SpoolOptions{
		ChunkSize:    64 << 10,
		DataShards:   4,
		ParityShards: 2,
		Level:        CompressionDefault,
	}
}

// Manifest describes one stored file.
type Manifest struct {
	Name         string   `cbor:"1,keyasint" json:"name"`
	Size         int64    `cbor:"2,keyasint" json:"size"`
	StoredAt     int64    `cbor:"3,keyasint" json:"stored_at"`
	MerkleRoot   []byte   `cbor:"4,keyasint" json:"merkle_root"`
	Chunks       int      `cbor:"5,keyasint" json:"chunks"`
	PackedSize   int      `cbor:"6,keyasint" json:"packed_size"`
	DataShards   int      `cbor:"7,keyasint" json:"data_shards"`
	ParityShards int      `cbor:"8,keyasint" json:"parity_shards"`
	ShardHashes  [][]byte `cbor:"9,keyasint" json:"-"`
}

func (m Manifest) Time() time.Time { return time.Unix(0, m.StoredAt).UTC() }

// Spool is a directory of erasure-coded files. Safe for concurrent use.
type Spool struct {
	dir  string
	opts SpoolOptions
	log  *slog.Logger

	mu sync.RWMutex
}

// OpenSpool creates dir if needed.
func OpenSpool(dir string, opts SpoolOptions) (*Spool, error) {
	def := DefaultSpoolOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.DataShards <= 0 || opts.ParityShards <= 0 {
		opts.DataShards, opts.ParityShards = def.DataShards, def.ParityShards
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if _, err := erasure.NewCodec(opts.DataShards, opts.ParityShards); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}
	return &Spool{dir: dir, opts: opts, log: opts.Logger}, nil
}

func (s *Spool) Dir() string { return s.dir }

// ValidName reports whether name can be stored: a plain file name with
// no path separators, not hidden and at most 255 bytes.
func ValidName(name string) bool {
	if name == "" || len(name) > 255 || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}

func (s *Spool) fileDir(name string) string { return filepath.Join(s.dir, name+spoolDirSuffix) }

func shardName(i int) string { return fmt.Sprintf("%s%02d", shardPrefix, i) }

// Put stores data under name, replacing any previous file of that name.
func (s *Spool) Put(name string, data []byte, now time.Time) (Manifest, error) {
	if !ValidName(name) {
		return Manifest{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	chunks := packChunks(data, s.opts.ChunkSize, s.opts.Level)
	hashes := make([][]byte, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.Hash
	}
	packed, err := codec.Marshal(chunks)
	if err != nil {
		return Manifest{}, fmt.Errorf("pack %s: %w", name, err)
	}

	ec, err := erasure.NewCodec(s.opts.DataShards, s.opts.ParityShards)
	if err != nil {
		return Manifest{}, err
	}
	shards, err := ec.Encode(packed)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode %s: %w", name, err)
	}

	m := Manifest{
		Name:         name,
		Size:         int64(len(data)),
		StoredAt:     now.UnixNano(),
		MerkleRoot:   MerkleRoot(hashes),
		Chunks:       len(chunks),
		PackedSize:   len(packed),
		DataShards:   s.opts.DataShards,
		ParityShards: s.opts.ParityShards,
		ShardHashes:  make([][]byte, len(shards)),
	}
	for i, sh := range shards {
		sum := blake3.Sum256(sh)
		m.ShardHashes[i] = sum[:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.fileDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return Manifest{}, fmt.Errorf("replace %s: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Manifest{}, fmt.Errorf("create %s: %w", name, err)
	}
	for i, sh := range shards {
		if err := identity.WriteFileAtomic(filepath.Join(dir, shardName(i)), sh, 0o600); err != nil {
			return Manifest{}, fmt.Errorf("write shard %d of %s: %w", i, name, err)
		}
	}
	if err := s.writeManifest(dir, m); err != nil {
		return Manifest{}, err
	}

	s.log.Debug("file spooled", "name", name, "size", m.Size, "chunks", m.Chunks, "packed", m.PackedSize)
	return m, nil
}

func (s *Spool) writeManifest(dir string, m Manifest) error {
	b, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return identity.WriteFileAtomic(filepath.Join(dir, manifestFile), b, 0o600)
}

func (s *Spool) readManifest(name string) (Manifest, error) {
	if !ValidName(name) {
		return Manifest{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	b, err := os.ReadFile(filepath.Join(s.fileDir(name), manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := codec.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest of %s: %v", ErrCorrupt, name, err)
	}
	if len(m.ShardHashes) != m.DataShards+m.ParityShards {
		return Manifest{}, fmt.Errorf("%w: manifest of %s lists %d shards", ErrCorrupt, name, len(m.ShardHashes))
	}
	return m, nil
}

// Stat returns the manifest of name without reading its content.
func (s *Spool) Stat(name string) (Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readManifest(name)
}

// Get reads and verifies name. Missing or corrupted shards are rebuilt
// from parity and rewritten; repaired reports how many.
func (s *Spool) Get(name string) (data []byte, m Manifest, repaired int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err = s.readManifest(name)
	if err != nil {
		return nil, Manifest{}, 0, err
	}
	ec, err := erasure.NewCodec(m.DataShards, m.ParityShards)
	if err != nil {
		return nil, Manifest{}, 0, err
	}

	dir := s.fileDir(name)
	shards := make([][]byte, ec.TotalShards())
	var damaged []int
	for i := range shards {
		b, err := os.ReadFile(filepath.Join(dir, shardName(i)))
		sum := blake3.Sum256(b)
		if err != nil || !bytes.Equal(sum[:], m.ShardHashes[i]) {
			damaged = append(damaged, i)
			continue
		}
		shards[i] = b
	}

	if len(damaged) > 0 {
		if err := ec.Reconstruct(shards); err != nil {
			return nil, Manifest{}, 0, fmt.Errorf("%s: %w", name, err)
		}
		for _, i := range damaged {
			sum := blake3.Sum256(shards[i])
			if !bytes.Equal(sum[:], m.ShardHashes[i]) {
				return nil, Manifest{}, 0, fmt.Errorf("%w: rebuilt shard %d of %s", ErrCorrupt, i, name)
			}
			if err := identity.WriteFileAtomic(filepath.Join(dir, shardName(i)), shards[i], 0o600); err != nil {
				return nil, Manifest{}, 0, fmt.Errorf("rewrite shard %d of %s: %w", i, name, err)
			}
		}
		s.log.Warn("spooled file repaired", "name", name, "shards", len(damaged))
	}

	packed, err := ec.Decode(shards, m.PackedSize)
	if err != nil {
		return nil, Manifest{}, 0, fmt.Errorf("decode %s: %w", name, err)
	}
	var chunks []chunk
	if err := codec.Unmarshal(packed, &chunks); err != nil {
		return nil, Manifest{}, 0, fmt.Errorf("%w: chunks of %s: %v", ErrCorrupt, name, err)
	}
	data, hashes, err := unpackChunks(chunks)
	if err != nil {
		return nil, Manifest{}, 0, fmt.Errorf("%s: %w", name, err)
	}
	if !bytes.Equal(MerkleRoot(hashes), m.MerkleRoot) || int64(len(data)) != m.Size {
		return nil, Manifest{}, 0, fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	return data, m, len(damaged), nil
}

// Delete removes name. Deleting a missing file returns ErrNotFound.
func (s *Spool) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readManifest(name); err != nil {
		return err
	}
	return os.RemoveAll(s.fileDir(name))
}

// List returns the manifests of every stored file sorted by name.
// Unreadable entries are logged and skipped.
func (s *Spool) List() ([]Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), spoolDirSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), spoolDirSuffix)
		m, err := s.readManifest(name)
		if err != nil {
			s.log.Warn("skipping unreadable spool entry", "name", name, "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
