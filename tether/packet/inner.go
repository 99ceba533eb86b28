package packet

import (
	"fmt"

	"github.com/TheusHen/tether/tether/codec"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
)

// Type says how the daemon should treat an inner payload.
type Type uint8

const (
	TypeData Type = iota
	TypePairingRequest
	TypePairingResponse
	TypeHeartbeat
	TypeAck
	TypeKeyRotation
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypePairingRequest:
		return "pairing_request"
	case TypePairingResponse:
		return "pairing_response"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeAck:
		return "ack"
	case TypeKeyRotation:
		return "key_rotation"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Metadata is routing information carried inside the encryption.
type Metadata struct {
	SenderApp     string `cbor:"1,keyasint"`
	RecipientApp  string `cbor:"2,keyasint"`
	Priority      uint8  `cbor:"3,keyasint"`
	RequiresAck   bool   `cbor:"4,keyasint"`
	CorrelationID string `cbor:"5,keyasint,omitempty"`
}

// BasicMetadata is a fire-and-forget message at normal priority.
func BasicMetadata(senderApp, recipientApp string) Metadata {
	return Metadata{SenderApp: senderApp, RecipientApp: recipientApp, Priority: 128}
}

// HighPriorityMetadata asks for an acknowledgement.
func HighPriorityMetadata(senderApp, recipientApp string) Metadata {
	return Metadata{SenderApp: senderApp, RecipientApp: recipientApp, Priority: 200, RequiresAck: true}
}

// RequestMetadata tags a request whose response carries correlationID.
func RequestMetadata(senderApp, recipientApp, correlationID string) Metadata {
	return Metadata{
		SenderApp:     senderApp,
		RecipientApp:  recipientApp,
		Priority:      150,
		RequiresAck:   true,
		CorrelationID: correlationID,
	}
}

// Inner is the plaintext of an Encrypted packet.
type Inner struct {
	Type     Type     `cbor:"1,keyasint"`
	Payload  []byte   `cbor:"2,keyasint"`
	Metadata Metadata `cbor:"3,keyasint"`
}

func (in Inner) Encode() ([]byte, error) {
	b, err := codec.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: encode inner packet: %v", tcrypto.ErrEncryption, err)
	}
	return b, nil
}

func DecodeInner(data []byte) (Inner, error) {
	var in Inner
	if err := codec.Unmarshal(data, &in); err != nil {
		return Inner{}, fmt.Errorf("%w: decode inner packet: %v", tcrypto.ErrDecryption, err)
	}
	if in.Type > TypeKeyRotation {
		return Inner{}, fmt.Errorf("%w: unknown inner packet type %d", tcrypto.ErrDecryption, in.Type)
	}
	return in, nil
}

// Reply builds the metadata for a response to in: the apps are swapped
// and the correlation id is kept.
func (in Inner) Reply(priority uint8) Metadata {
	return Metadata{
		SenderApp:     in.Metadata.RecipientApp,
		RecipientApp:  in.Metadata.SenderApp,
		Priority:      priority,
		CorrelationID: in.Metadata.CorrelationID,
	}
}
