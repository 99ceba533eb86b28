package relationship

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/TheusHen/tether/tether/codec"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
)

// BackupFormatVersion is written into every backup.
const BackupFormatVersion = 1

// BackupMetadata describes a backup bundle.
type BackupMetadata struct {
	CreatedAt         time.Time `cbor:"1,keyasint" json:"created_at"`
	RelationshipCount int       `cbor:"2,keyasint" json:"relationship_count"`
	FormatVersion     int       `cbor:"3,keyasint" json:"format_version"`
	Checksum          string    `cbor:"4,keyasint" json:"checksum"`
}

// bundle is the plaintext inside the age envelope. Each relationship is
// kept as its serialized JSON so the checksum covers exactly the bytes
// that will be restored.
type bundle struct {
	Metadata      BackupMetadata `cbor:"1,keyasint"`
	Relationships [][]byte       `cbor:"2,keyasint"`
}

// BackupOptions tune the age scrypt work factor. Zero means the age
// default.
type BackupOptions struct {
	WorkFactor int
}

func checksum(items [][]byte) string {
	h := blake3.New()
	for _, item := range items {
		h.Write(item)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Backup writes every relationship into one age-encrypted file at path.
func (s *Store) Backup(path, passphrase string, now time.Time, opts BackupOptions) (BackupMetadata, error) {
	contexts, err := s.LoadAll()
	if err != nil {
		return BackupMetadata{}, err
	}
	items := make([][]byte, 0, len(contexts))
	for _, c := range contexts {
		raw, err := json.Marshal(c)
		if err != nil {
			return BackupMetadata{}, fmt.Errorf("%w: encode %s: %v", tcrypto.ErrStorage, c.ID, err)
		}
		items = append(items, raw)
	}
	meta := BackupMetadata{
		CreatedAt:         now.UTC(),
		RelationshipCount: len(items),
		FormatVersion:     BackupFormatVersion,
		Checksum:          checksum(items),
	}
	plain, err := codec.Marshal(bundle{Metadata: meta, Relationships: items})
	if err != nil {
		return BackupMetadata{}, fmt.Errorf("%w: encode backup: %v", tcrypto.ErrStorage, err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return BackupMetadata{}, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	if opts.WorkFactor > 0 {
		recipient.SetWorkFactor(opts.WorkFactor)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return BackupMetadata{}, fmt.Errorf("%w: creating age encryptor: %v", tcrypto.ErrStorage, err)
	}
	if _, err := w.Write(plain); err != nil {
		return BackupMetadata{}, fmt.Errorf("%w: writing backup: %v", tcrypto.ErrStorage, err)
	}
	if err := w.Close(); err != nil {
		return BackupMetadata{}, fmt.Errorf("%w: finalizing backup: %v", tcrypto.ErrStorage, err)
	}
	if err := identity.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return BackupMetadata{}, fmt.Errorf("%w: write %s: %v", tcrypto.ErrStorage, path, err)
	}
	s.log.Info("relationship backup written", "path", path, "count", meta.RelationshipCount)
	return meta, nil
}

// ReadBackup decrypts and verifies a backup without touching the store.
func ReadBackup(path, passphrase string) (BackupMetadata, []*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BackupMetadata{}, nil, fmt.Errorf("%w: read %s: %v", tcrypto.ErrStorage, path, err)
	}
	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return BackupMetadata{}, nil, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), id)
	if err != nil {
		return BackupMetadata{}, nil, fmt.Errorf("%w: decrypting backup: %v", tcrypto.ErrStorage, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return BackupMetadata{}, nil, fmt.Errorf("%w: reading backup: %v", tcrypto.ErrStorage, err)
	}

	var b bundle
	if err := codec.Unmarshal(plain, &b); err != nil {
		return BackupMetadata{}, nil, fmt.Errorf("%w: decode backup: %v", tcrypto.ErrStorage, err)
	}
	if b.Metadata.FormatVersion != BackupFormatVersion {
		return BackupMetadata{}, nil, fmt.Errorf("%w: unsupported backup format %d", tcrypto.ErrStorage, b.Metadata.FormatVersion)
	}
	if b.Metadata.RelationshipCount != len(b.Relationships) {
		return BackupMetadata{}, nil, fmt.Errorf("%w: backup holds %d relationships, metadata says %d",
			tcrypto.ErrStorage, len(b.Relationships), b.Metadata.RelationshipCount)
	}
	if checksum(b.Relationships) != b.Metadata.Checksum {
		return BackupMetadata{}, nil, fmt.Errorf("%w: backup checksum mismatch", tcrypto.ErrStorage)
	}
	// the codec decodes times in the local zone
	b.Metadata.CreatedAt = b.Metadata.CreatedAt.UTC()

	contexts := make([]*Context, 0, len(b.Relationships))
	for i, raw := range b.Relationships {
		var c Context
		if err := json.Unmarshal(raw, &c); err != nil {
			return BackupMetadata{}, nil, fmt.Errorf("%w: backup entry %d: %v", tcrypto.ErrStorage, i, err)
		}
		contexts = append(contexts, &c)
	}
	return b.Metadata, contexts, nil
}

// Restore verifies the backup at path and then stores every
// relationship in it. Nothing is written unless the whole backup
// decrypts and its checksum matches.
func (s *Store) Restore(path, passphrase string) (BackupMetadata, error) {
	meta, contexts, err := ReadBackup(path, passphrase)
	if err != nil {
		return BackupMetadata{}, err
	}
	for _, c := range contexts {
		if err := s.Store(c); err != nil {
			return meta, err
		}
	}
	s.log.Info("relationship backup restored", "path", path, "count", len(contexts))
	return meta, nil
}
