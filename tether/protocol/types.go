package protocol

// MessageType tags a frame payload.
type MessageType uint8

const (
	// MessageTypePacket carries a CBOR EncryptedPacket.
	MessageTypePacket MessageType = 1
	// MessageTypeOffer carries a signed relationship Offer.
	MessageTypeOffer MessageType = 2
	// MessageTypeBeacon carries a signed pairing Beacon.
	MessageTypeBeacon MessageType = 3
)

func (t MessageType) Valid() bool {
	return t >= MessageTypePacket && t <= MessageTypeBeacon
}

func (t MessageType) String() string {
	switch t {
	case MessageTypePacket:
		return "PACKET"
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeBeacon:
		return "BEACON"
	default:
		return "UNKNOWN"
	}
}
