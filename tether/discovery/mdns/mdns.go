// Package mdns advertises pairing beacons on the local network as
// DNS-SD services of type _tether-pair._udp. The signed beacon travels
// base64 encoded in the TXT record; mDNS has no notion of signal
// strength so every sighting reports Config.Signal.
package mdns

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/TheusHen/tether/tether/discovery"
	"github.com/TheusHen/tether/tether/protocol"
)

const (
	Service = "_tether-pair._udp"
	Domain  = "local."

	txtVersion = "v=1"
	txtChunk   = 200
)

var ErrMalformedTXT = errors.New("mdns: malformed beacon record")

type Config struct {
	// Port is advertised in the SRV record, normally the transport port.
	Port           int
	Signal         uint8
	BrowseInterval time.Duration
	Logger         *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Port <= 0 {
		c.Port = 9
	}
	if c.Signal == 0 {
		c.Signal = 80
	}
	if c.BrowseInterval <= 0 {
		c.BrowseInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// EncodeTXT splits the encoded beacon over TXT strings b0, b1, ...
func EncodeTXT(b protocol.Beacon) ([]string, error) {
	raw, err := protocol.EncodeBeacon(b)
	if err != nil {
		return nil, err
	}
	enc := base64.RawURLEncoding.EncodeToString(raw)
	txt := []string{txtVersion}
	for i := 0; len(enc) > 0; i++ {
		n := min(txtChunk, len(enc))
		txt = append(txt, "b"+strconv.Itoa(i)+"="+enc[:n])
		enc = enc[n:]
	}
	return txt, nil
}

func DecodeTXT(txt []string) (protocol.Beacon, error) {
	type part struct {
		idx  int
		data string
	}
	var (
		parts   []part
		version bool
	)
	for _, t := range txt {
		if t == txtVersion {
			version = true
			continue
		}
		key, val, ok := strings.Cut(t, "=")
		if !ok || !strings.HasPrefix(key, "b") {
			continue
		}
		idx, err := strconv.Atoi(key[1:])
		if err != nil {
			return protocol.Beacon{}, fmt.Errorf("%w: key %q", ErrMalformedTXT, key)
		}
		parts = append(parts, part{idx, val})
	}
	if !version || len(parts) == 0 {
		return protocol.Beacon{}, ErrMalformedTXT
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].idx < parts[j].idx })

	var sb strings.Builder
	for i, p := range parts {
		if p.idx != i {
			return protocol.Beacon{}, fmt.Errorf("%w: missing part %d", ErrMalformedTXT, i)
		}
		sb.WriteString(p.data)
	}
	raw, err := base64.RawURLEncoding.DecodeString(sb.String())
	if err != nil {
		return protocol.Beacon{}, fmt.Errorf("%w: %v", ErrMalformedTXT, err)
	}
	return protocol.DecodeBeacon(raw)
}

// Carrier implements discovery.Carrier over multicast DNS.
type Carrier struct {
	cfg Config
	log *slog.Logger
	out chan discovery.Sighting

	mu      sync.Mutex
	server  *zeroconf.Server
	session string

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ discovery.Carrier = (*Carrier)(nil)

// New starts browsing immediately; nothing is advertised until Announce.
func New(cfg Config) *Carrier {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Carrier{
		cfg:    cfg,
		log:    cfg.Logger,
		out:    make(chan discovery.Sighting, 64),
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.browseLoop(ctx)
	return c
}

func (c *Carrier) Announce(_ context.Context, b protocol.Beacon) error {
	txt, err := EncodeTXT(b)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil && c.session == b.SessionID {
		c.server.SetText(txt)
		return nil
	}
	if c.server != nil {
		c.server.Shutdown()
		c.server = nil
	}
	server, err := zeroconf.Register(b.SessionID, Service, Domain, c.cfg.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns: register: %w", err)
	}
	c.server, c.session = server, b.SessionID
	c.log.Debug("mdns beacon advertised", "session_id", b.SessionID, "port", c.cfg.Port)
	return nil
}

func (c *Carrier) Withdraw() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		c.server.Shutdown()
		c.server = nil
	}
	return nil
}

func (c *Carrier) Sightings() <-chan discovery.Sighting { return c.out }

func (c *Carrier) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		_ = c.Withdraw()
		close(c.out)
	})
	return nil
}

func (c *Carrier) ownSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return ""
	}
	return c.session
}

// browseLoop restarts the browse every interval: the resolver reports
// each instance once per browse, and beacons must be seen repeatedly to
// stay fresh.
func (c *Carrier) browseLoop(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		if err := c.browseOnce(ctx); err != nil {
			c.log.Warn("mdns browse failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.BrowseInterval):
			}
		}
	}
}

func (c *Carrier) browseOnce(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BrowseInterval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(bctx, Service, Domain, entries); err != nil {
		return err
	}
	for e := range entries {
		if e.Instance == c.ownSession() {
			continue
		}
		b, err := DecodeTXT(e.Text)
		if err != nil {
			c.log.Debug("ignoring mdns entry", "instance", e.Instance, "error", err)
			continue
		}
		select {
		case c.out <- discovery.Sighting{Beacon: b, Signal: c.cfg.Signal}:
		default:
		}
	}
	return nil
}
