// Package transport moves protocol frames between devices. The core
// treats a transport as an opaque pipe: frames carry encrypted packets
// or signed pairing messages, so transports do not authenticate peers.
package transport

import (
	"context"
	"errors"

	"github.com/TheusHen/tether/tether/protocol"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnreachable = errors.New("transport: peer unreachable")
)

// Message is a frame received from the peer at From. Replies are sent
// to From.
type Message struct {
	From  string
	Frame protocol.Frame
}

type Transport interface {
	// Send returns once f is handed to the network. Frames sent one
	// after another to the same address are received in that order.
	Send(ctx context.Context, addr string, f protocol.Frame) error
	// Receive blocks until a frame arrives, ctx is done or the
	// transport is closed (ErrClosed).
	Receive(ctx context.Context) (Message, error)
	// Addr is the address peers use to reach this transport.
	Addr() string
	Close() error
}
