package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/discovery"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/keyring"
	"github.com/TheusHen/tether/tether/node"
	"github.com/TheusHen/tether/tether/packet"
	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/relationship"
	"github.com/TheusHen/tether/tether/transport"
)

// DaemonApp is the recipient app name of instructions.
const DaemonApp = "tetherd"

// responseSlack is added to an instruction's own timeout while waiting
// for its response.
const responseSlack = 5 * time.Second

var (
	ErrNotStarted = errors.New("tether: client not started")
	ErrPairing    = errors.New("tether: pairing did not complete")
)

type ClientConfig struct {
	App       string
	Advertise string
	Logger    *slog.Logger
}

// Client is the handheld side: it pairs with daemons and sends them
// instructions, matching each response to its request by correlation id.
type Client struct {
	node *node.Node
	log  *slog.Logger

	mu        sync.Mutex
	responses map[string]chan *bytecode.Response
	acks      map[string]chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewClient(keys *keyring.Manager, tr transport.Transport, carrier discovery.Carrier, clk clock.Clock, cfg ClientConfig) *Client {
	if cfg.App == "" {
		cfg.App = "tether-client"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		node: node.New(keys, tr, carrier, clk, node.Config{
			Advertise: cfg.Advertise,
			App:       cfg.App,
			Logger:    cfg.Logger,
		}),
		log:       cfg.Logger,
		responses: make(map[string]chan *bytecode.Response),
		acks:      make(map[string]chan struct{}),
	}
}

func (c *Client) Node() *node.Node { return c.node }

// Start runs the network loop in the background until Close.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.err = c.node.Run(ctx, c.handle)
	}()
}

// Close stops the network loop. The transport is left to its owner.
func (c *Client) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return c.err
}

func (c *Client) handle(_ context.Context, rc *relationship.Context, in packet.Inner) {
	corr := in.Metadata.CorrelationID
	switch in.Type {
	case packet.TypeData:
		resp, err := bytecode.DecodeResponse(in.Payload)
		if err != nil {
			c.log.Debug("undecodable response", "relationship_id", rc.ID, "error", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.responses[corr]
		delete(c.responses, corr)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	case packet.TypeAck:
		c.mu.Lock()
		ch, ok := c.acks[corr]
		delete(c.acks, corr)
		c.mu.Unlock()
		if ok {
			close(ch)
		}
	}
}

// Pair enters pairing mode and pairs with the first discovered device
// accepted by match. With addr set, our beacon is also sent straight to
// that address.
func (c *Client) Pair(ctx context.Context, addr, nickname string, match func(pairing.Device) bool) (*relationship.Context, error) {
	if c.done == nil {
		return nil, ErrNotStarted
	}
	if _, err := c.node.StartPairing(ctx); err != nil {
		return nil, err
	}
	if addr != "" {
		if err := c.node.SendBeacon(ctx, addr); err != nil {
			c.node.StopPairing()
			return nil, err
		}
	}

	selected := false
	for {
		select {
		case <-ctx.Done():
			c.node.StopPairing()
			return nil, ctx.Err()
		case ev := <-c.node.Events():
			switch e := ev.(type) {
			case pairing.Discovered:
				if selected || match != nil && !match(e.Device) {
					continue
				}
				selected = true
				if _, err := c.node.Select(ctx, e.Device.SessionID, nickname); err != nil {
					c.node.StopPairing()
					return nil, err
				}
			case pairing.Completed:
				return c.relationshipWith(e.Peer.DeviceKey)
			case pairing.TimedOut, pairing.Cancelled:
				return nil, ErrPairing
			}
		}
	}
}

func (c *Client) relationshipWith(deviceKey identity.PublicKey) (*relationship.Context, error) {
	for _, rc := range c.node.Keyring().Relationships() {
		if rc.PeerDeviceKey == deviceKey {
			return rc, nil
		}
	}
	return nil, ErrPairing
}

// Do sends in to the daemon of relationship id and waits for its
// response. An empty request id is filled with a fresh uuid.
func (c *Client) Do(ctx context.Context, id identity.RelationshipID, in *bytecode.Instruction) (*bytecode.Response, error) {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	payload, err := in.Encode()
	if err != nil {
		return nil, err
	}
	corr := uuid.NewString()
	ch := make(chan *bytecode.Response, 1)
	c.mu.Lock()
	c.responses[corr] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.responses, corr)
		c.mu.Unlock()
	}()

	md := packet.RequestMetadata(c.node.App(), DaemonApp, corr)
	md.Priority = in.Priority
	if err := c.node.Send(ctx, id, packet.Inner{Type: packet.TypeData, Payload: payload, Metadata: md}); err != nil {
		return nil, err
	}

	timeout := time.Duration(in.TimeoutSeconds)*time.Second + responseSlack
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("tether: waiting for %s response: %w", in.OpCode, ctx.Err())
	}
}

// Ping sends a heartbeat and waits for the daemon's Ack.
func (c *Client) Ping(ctx context.Context, id identity.RelationshipID) error {
	corr := uuid.NewString()
	ch := make(chan struct{})
	c.mu.Lock()
	c.acks[corr] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, corr)
		c.mu.Unlock()
	}()

	if err := c.node.Heartbeat(ctx, id, corr); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
