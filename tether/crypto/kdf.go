package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info labels. Changing one invalidates every key derived under it.
const (
	InfoPacketKey  = "tether/packet/v1"
	InfoStorageKey = "tether/storage/v1"
	InfoExportKey  = "tether/export/v1"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt []byte, info string, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}
