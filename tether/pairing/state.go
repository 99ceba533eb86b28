package pairing

import (
	"time"

	"github.com/TheusHen/tether/tether/identity"
)

// Announcement is what this device broadcasts while pairing.
type Announcement struct {
	Symbol
	SessionID string
	DeviceKey identity.PublicKey
	StartedAt time.Time
}

// Device is a peer seen broadcasting a pairing emoji.
type Device struct {
	Symbol
	SessionID      string
	DeviceKey      identity.PublicKey
	DeviceName     string
	Address        string
	SignalStrength uint8
	FirstSeen      time.Time
	LastSeen       time.Time
}

func (d Device) Age(now time.Time) time.Duration { return now.Sub(d.FirstSeen) }

// State is one of Idle, Active, WaitingForSelection or Completing.
type State interface {
	Name() string
	isState()
}

type Idle struct{}

// Active is pairing mode with nothing discovered yet.
type Active struct {
	Our Announcement
}

// WaitingForSelection is pairing mode with at least one device
// discovered and no choice made.
type WaitingForSelection struct {
	Our Announcement
}

// Completing holds the device the user picked until the relationship
// keys have been exchanged.
type Completing struct {
	Our    Announcement
	Target Device
}

func (Idle) Name() string                { return "idle" }
func (Active) Name() string              { return "active" }
func (WaitingForSelection) Name() string { return "waiting_for_selection" }
func (Completing) Name() string          { return "completing" }

func (Idle) isState()                {}
func (Active) isState()              {}
func (WaitingForSelection) isState() {}
func (Completing) isState()          {}

// announcement returns the session announcement of any non-idle state.
func announcement(s State) (Announcement, bool) {
	switch s := s.(type) {
	case Active:
		return s.Our, true
	case WaitingForSelection:
		return s.Our, true
	case Completing:
		return s.Our, true
	default:
		return Announcement{}, false
	}
}

// Event is emitted by state transitions.
type Event interface {
	isEvent()
}

// Started is emitted when a session begins.
type Started struct{ Our Announcement }

// Discovered is emitted the first time a device is seen.
type Discovered struct{ Device Device }

// Lost is emitted when a device stops broadcasting.
type Lost struct{ SessionID string }

// Completed is emitted when keys have been exchanged with the target.
type Completed struct {
	Our  Announcement
	Peer Device
}

type TimedOut struct{ SessionID string }

type Cancelled struct{ SessionID string }

func (Started) isEvent()    {}
func (Discovered) isEvent() {}
func (Lost) isEvent()       {}
func (Completed) isEvent()  {}
func (TimedOut) isEvent()   {}
func (Cancelled) isEvent()  {}
