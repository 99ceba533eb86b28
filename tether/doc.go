// Package tether links a network-isolated handheld to a laptop daemon
// that performs work on its behalf.
//
// Devices pair once by matching an emoji shown on both screens. Pairing
// creates a relationship: a pair of long-lived keys from which every
// packet between the two devices is encrypted and authenticated. The
// handheld then sends bytecode instructions (LLM queries, image
// generation, file transfer, status queries) and the daemon runs the
// ones the relationship has been granted.
//
// The subpackages hold the pieces: identity and crypto for keys,
// packet for the encrypted wire format, pairing and keyring for the
// relationship lifecycle, node for the network loop, and daemon for the
// laptop side. Client in this package is the handheld side.
package tether
