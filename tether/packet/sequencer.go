package packet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheusHen/tether/tether/clock"
)

// DefaultMaxAge is how old an incoming packet may be.
const DefaultMaxAge = 300 * time.Second

// Result classifies an incoming packet.
type Result int

const (
	Valid Result = iota
	Duplicate
	Expired
	MACFailure
	DecryptionFailure
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Duplicate:
		return "duplicate"
	case Expired:
		return "expired"
	case MACFailure:
		return "mac_failure"
	case DecryptionFailure:
		return "decryption_failure"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Stats are running packet counters.
type Stats struct {
	PacketsSent        uint64 `json:"packets_sent"`
	PacketsReceived    uint64 `json:"packets_received"`
	DecryptionFailures uint64 `json:"decryption_failures"`
	MACFailures        uint64 `json:"mac_failures"`
	DuplicatePackets   uint64 `json:"duplicate_packets"`
	OutOfOrderPackets  uint64 `json:"out_of_order_packets"`
	ExpiredPackets     uint64 `json:"expired_packets"`
}

// Sequencer assigns outgoing sequence numbers and tracks the highest
// sequence seen from each sender. Check-and-set of the per-sender state
// happens under one lock.
type Sequencer struct {
	clock  clock.Clock
	maxAge time.Duration

	mu       sync.Mutex
	next     uint64
	lastSeen map[string]uint64
	stats    Stats
}

func NewSequencer(clk clock.Clock, maxAge time.Duration) *Sequencer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sequencer{clock: clk, maxAge: maxAge, next: 1, lastSeen: make(map[string]uint64)}
}

// StartAt sets the next outgoing sequence number. Seeding it from the
// wall clock keeps a restarted sender ahead of what its peers have
// already seen.
func (s *Sequencer) StartAt(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.next {
		s.next = n
	}
}

// PrepareOutgoing stamps p with the next sequence number.
func (s *Sequencer) PrepareOutgoing(p *Encrypted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := p.SetSequence(s.next); err != nil {
		return err
	}
	s.next++
	s.stats.PacketsSent++
	return nil
}

// Check classifies p without changing any state. The daemon uses it to
// drop stale and duplicate traffic before spending time on crypto.
func (s *Sequencer) Check(p *Encrypted) Result {
	if p.IsExpired(s.clock.Now(), s.maxAge) {
		return Expired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSeen[p.SenderID()]; ok && p.Sequence <= last {
		return Duplicate
	}
	return Valid
}

// ProcessIncoming classifies p and, if it is Valid, records its
// sequence. Packets that skip ahead are accepted and counted as
// out of order.
func (s *Sequencer) ProcessIncoming(p *Encrypted) Result {
	expired := p.IsExpired(s.clock.Now(), s.maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	if expired {
		s.stats.ExpiredPackets++
		return Expired
	}
	sender := p.SenderID()
	last := s.lastSeen[sender]
	if p.Sequence <= last {
		s.stats.DuplicatePackets++
		return Duplicate
	}
	if p.Sequence != last+1 {
		s.stats.OutOfOrderPackets++
	}
	s.lastSeen[sender] = p.Sequence
	s.stats.PacketsReceived++
	return Valid
}

// Reject records a packet dropped before ProcessIncoming, for example
// after Check or a failed Open.
func (s *Sequencer) Reject(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r {
	case Duplicate:
		s.stats.DuplicatePackets++
	case Expired:
		s.stats.ExpiredPackets++
	case MACFailure:
		s.stats.MACFailures++
	case DecryptionFailure:
		s.stats.DecryptionFailures++
	}
}

// Classify maps an Open error to the Result it should be counted as.
func Classify(err error) Result {
	switch {
	case err == nil:
		return Valid
	case errors.Is(err, ErrMACMismatch):
		return MACFailure
	default:
		return DecryptionFailure
	}
}

// Forget drops sequence state for a sender, e.g. after its
// relationship is removed.
func (s *Sequencer) Forget(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeen, senderID)
}

func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sequencer) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}
