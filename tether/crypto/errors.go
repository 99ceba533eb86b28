package crypto

import "errors"

// Error kinds shared by every package that handles key material,
// packets or relationships. Callers wrap them with fmt.Errorf("%w: ...")
// and test with errors.Is.
var (
	ErrKeyGeneration         = errors.New("key generation failed")
	ErrEncryption            = errors.New("encryption failed")
	ErrDecryption            = errors.New("decryption failed")
	ErrInvalidKey            = errors.New("invalid key")
	ErrRelationshipNotFound  = errors.New("relationship not found")
	ErrStorage               = errors.New("storage error")
	ErrPairing               = errors.New("pairing error")
	ErrSignatureVerification = errors.New("signature verification failed")
)
