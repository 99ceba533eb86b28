// Package discovery carries signed pairing beacons between devices that
// are in pairing mode. A Carrier advertises our beacon and reports the
// beacons it sees, each with a signal strength in 0..100.
package discovery

import (
	"context"
	"errors"

	"github.com/TheusHen/tether/tether/protocol"
)

var ErrClosed = errors.New("discovery: carrier closed")

// Sighting is one received beacon. Beacons are not verified by the
// carrier; the pairing layer checks signatures and freshness.
type Sighting struct {
	Beacon protocol.Beacon
	Signal uint8
}

type Carrier interface {
	// Announce starts or refreshes advertising b, replacing any earlier beacon.
	Announce(ctx context.Context, b protocol.Beacon) error
	// Withdraw stops advertising. Withdrawing twice is not an error.
	Withdraw() error
	// Sightings delivers received beacons until the carrier is closed.
	Sightings() <-chan Sighting
	Close() error
}
