package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	tcrypto "github.com/TheusHen/tether/tether/crypto"
)

// DeviceKeyFile is the file name of the device identity inside the data
// directory.
const DeviceKeyFile = "device_master.key"

// Device is this installation's long-lived identity. Its key signs
// pairing beacons and offers; relationships use separate keys.
type Device struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	Keys      KeyMaterial
}

type deviceFile struct {
	ID        uuid.UUID `json:"device_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Secret    []byte    `json:"secret"`
}

// NewDevice generates a new device identity.
func NewDevice(name string, now time.Time) (*Device, error) {
	keys, err := Generate()
	if err != nil {
		return nil, err
	}
	return &Device{ID: uuid.New(), Name: name, CreatedAt: now.UTC(), Keys: keys}, nil
}

// Save writes the identity to path sealed under passphrase.
func (d *Device) Save(path, passphrase string, params tcrypto.ScryptParams) error {
	raw, err := json.Marshal(deviceFile{ID: d.ID, Name: d.Name, CreatedAt: d.CreatedAt, Secret: d.Keys.Secret()})
	if err != nil {
		return fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	sealed, err := tcrypto.SealWithPassphrase(passphrase, raw, params)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, sealed, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", tcrypto.ErrStorage, path, err)
	}
	return nil
}

// LoadDevice reads an identity written by Save.
func LoadDevice(path, passphrase string) (*Device, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", tcrypto.ErrStorage, path, err)
	}
	raw, err := tcrypto.OpenWithPassphrase(passphrase, sealed)
	if err != nil {
		return nil, err
	}
	var f deviceFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", tcrypto.ErrStorage, path, err)
	}
	keys, err := FromSecret(f.Secret)
	if err != nil {
		return nil, err
	}
	return &Device{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedAt, Keys: keys}, nil
}

// LoadOrCreateDevice loads the identity in dir, generating and saving
// a new one on first run. The boolean reports whether it was created.
func LoadOrCreateDevice(dir, name, passphrase string, params tcrypto.ScryptParams, now time.Time) (*Device, bool, error) {
	path := filepath.Join(dir, DeviceKeyFile)
	d, err := LoadDevice(path, passphrase)
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("%w: %v", tcrypto.ErrStorage, err)
	}
	d, err = NewDevice(name, now)
	if err != nil {
		return nil, false, err
	}
	if err := d.Save(path, passphrase, params); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
