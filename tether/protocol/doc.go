// Package protocol defines what travels between a handheld and the
// daemon outside of encrypted packets: frame types, and the signed
// pairing Beacon and Offer exchanged while two devices pair.
package protocol
