// Package memory is an in-process Transport for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/TheusHen/tether/tether/protocol"
	"github.com/TheusHen/tether/tether/transport"
)

const inboxSize = 64

// Network routes frames between endpoints by name.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewNetwork() *Network {
	return &Network{endpoints: map[string]*Endpoint{}}
}

// Listen creates an endpoint reachable at addr.
func (n *Network) Listen(addr string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("memory transport: %s already in use", addr)
	}
	e := &Endpoint{net: n, addr: addr, inbox: make(chan transport.Message, inboxSize), done: make(chan struct{})}
	n.endpoints[addr] = e
	return e, nil
}

// Endpoint implements transport.Transport.
type Endpoint struct {
	net   *Network
	addr  string
	inbox chan transport.Message

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Addr() string { return e.addr }

func (e *Endpoint) Send(ctx context.Context, addr string, f protocol.Frame) error {
	select {
	case <-e.done:
		return transport.ErrClosed
	default:
	}
	e.net.mu.RLock()
	dst, ok := e.net.endpoints[addr]
	e.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, addr)
	}

	payload := append([]byte(nil), f.Payload...)
	msg := transport.Message{From: e.addr, Frame: protocol.Frame{Type: f.Type, Payload: payload}}
	select {
	case dst.inbox <- msg:
		return nil
	case <-dst.done:
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case m := <-e.inbox:
		return m, nil
	case <-e.done:
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.net.mu.Lock()
		delete(e.net.endpoints, e.addr)
		e.net.mu.Unlock()
		close(e.done)
	})
	return nil
}
