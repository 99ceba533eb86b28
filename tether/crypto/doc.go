// Package crypto provides the primitives the rest of tether builds on:
//
//   - X25519 key agreement
//   - ChaCha20-Poly1305 (RFC 8439) with random nonces
//   - HKDF-SHA256 key derivation
//   - the SHA-256 packet MAC, compared in constant time
//   - scrypt passphrase envelopes for key files at rest
//
// It also defines the error kinds used across the module.
package crypto
