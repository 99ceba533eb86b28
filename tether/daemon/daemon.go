// Package daemon is the laptop side of tether: it answers instructions
// from paired handhelds, enforcing per-relationship grants, and keeps
// relationships, grants and statistics on disk.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/config"
	"github.com/TheusHen/tether/tether/discovery"
	"github.com/TheusHen/tether/tether/dispatch"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/keyring"
	"github.com/TheusHen/tether/tether/node"
	"github.com/TheusHen/tether/tether/packet"
	"github.com/TheusHen/tether/tether/permission"
	"github.com/TheusHen/tether/tether/provider"
	"github.com/TheusHen/tether/tether/relationship"
	"github.com/TheusHen/tether/tether/state"
	"github.com/TheusHen/tether/tether/transfer"
	"github.com/TheusHen/tether/tether/transport"
)

const (
	// App is the application name the daemon uses in packet metadata.
	App = "tetherd"
	// ShutdownTimeout bounds how long Run waits for in-flight requests.
	ShutdownTimeout = 30 * time.Second
	// SnapshotKind labels statistics snapshots in the state database.
	SnapshotKind = "stats"
	snapshotKeep = 120

	errInvalidInstruction = "invalid instruction"
)

// Deps are the long-lived pieces the daemon runs on. State may be nil,
// in which case grants live in memory and no snapshots are taken.
// Advertise defaults to the transport address.
type Deps struct {
	Keyring    *keyring.Manager
	Advertise  string
	Transport  transport.Transport
	Carrier    discovery.Carrier
	State      *state.DB
	Clock      clock.Clock
	Logger     *slog.Logger
	Level      *slog.LevelVar
	HTTPClient *http.Client
}

type Daemon struct {
	cfg   atomic.Pointer[config.Config]
	deps  Deps
	log   *slog.Logger
	clock clock.Clock

	node       *node.Node
	perms      *permission.Table
	dispatcher *dispatch.Dispatcher
	exec       *dispatch.Executor

	inflight sync.WaitGroup
}

// Snapshot is the periodic statistics record.
type Snapshot struct {
	TakenAt       time.Time          `json:"taken_at"`
	Requests      dispatch.Stats     `json:"requests"`
	Packets       packet.Stats       `json:"packets"`
	Relationships relationship.Stats `json:"relationships"`
	Grants        int                `json:"grants"`
}

func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if _, err := cfg.Grants(); err != nil {
		return nil, err
	}

	d := &Daemon{deps: deps, log: deps.Logger, clock: deps.Clock}
	d.cfg.Store(cfg)

	var store permission.Store
	if deps.State != nil {
		store = deps.State
	}
	d.perms = permission.New(deps.Clock, store, deps.Logger)
	if err := d.perms.Load(); err != nil {
		return nil, fmt.Errorf("daemon: loading grants: %w", err)
	}

	d.dispatcher = dispatch.NewDispatcher(deps.Clock, deps.Logger)
	if err := d.registerProviders(cfg); err != nil {
		return nil, err
	}
	d.exec = dispatch.NewExecutor(d.perms, d.dispatcher, deps.Clock, dispatch.ExecutorConfig{
		MaxConcurrent: cfg.Daemon.MaxConcurrentRequests,
		Capabilities:  func() bytecode.Capabilities { return d.cfg.Load().Capabilities() },
		Status:        d.status,
		Logger:        deps.Logger,
	})

	d.node = node.New(deps.Keyring, deps.Transport, deps.Carrier, deps.Clock, node.Config{
		Advertise: deps.Advertise,
		App:       App,
		Logger:    deps.Logger,
	})
	d.node.SetAutoAccept(cfg.Pairing.AutoAccept)
	d.node.OnEstablished(d.established)
	return d, nil
}

func (d *Daemon) registerProviders(cfg *config.Config) error {
	p := cfg.Providers
	if p.LLM.Enabled {
		d.dispatcher.Register(provider.NewLLM(d.deps.HTTPClient, config.Endpoints(p.LLM.Endpoints)), p.LLM.RateLimit.Limit())
	}
	if p.Image.Enabled {
		d.dispatcher.Register(provider.NewImage(d.deps.HTTPClient, config.Endpoints(p.Image.Endpoints), p.Image.MaxWidth, p.Image.MaxHeight), p.Image.RateLimit.Limit())
	}
	if p.File.Enabled {
		opts := transfer.DefaultSpoolOptions()
		opts.Logger = d.log
		spool, err := transfer.OpenSpool(cfg.SpoolDir(), opts)
		if err != nil {
			return fmt.Errorf("daemon: opening spool: %w", err)
		}
		d.dispatcher.Register(provider.NewFiles(spool, d.clock, p.File.MaxSize, p.File.AllowedTypes), p.File.RateLimit.Limit())
	}
	return nil
}

func (d *Daemon) Node() *node.Node                 { return d.node }
func (d *Daemon) Permissions() *permission.Table   { return d.perms }
func (d *Daemon) Executor() *dispatch.Executor     { return d.exec }
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }
func (d *Daemon) Config() *config.Config           { return d.cfg.Load() }

// ApplyConfig hot-applies the settings that can change without a
// restart: log level, provider rate limits and pairing auto-accept.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.cfg.Store(cfg)
	if d.deps.Level != nil {
		if lvl, err := config.ParseLevel(cfg.Log.Level); err == nil {
			d.deps.Level.Set(lvl)
		}
	}
	d.node.SetAutoAccept(cfg.Pairing.AutoAccept)
	d.dispatcher.SetRateLimit(bytecode.LLM, cfg.Providers.LLM.RateLimit.Limit())
	d.dispatcher.SetRateLimit(bytecode.Image, cfg.Providers.Image.RateLimit.Limit())
	d.dispatcher.SetRateLimit(bytecode.File, cfg.Providers.File.RateLimit.Limit())
	d.log.Info("config applied", "log_level", cfg.Log.Level, "auto_accept", cfg.Pairing.AutoAccept)
}

// established grants the configured default opcodes to a new
// relationship.
func (d *Daemon) established(c *relationship.Context) {
	grants, err := d.cfg.Load().Grants()
	if err != nil {
		d.log.Warn("parsing default grants", "error", err)
		return
	}
	for _, op := range grants {
		if err := d.perms.Grant(c.ID, op); err != nil {
			d.log.Warn("granting default opcode", "relationship_id", c.ID, "opcode", op.String(), "error", err)
		}
	}
}

// Run serves until ctx is done, then waits up to ShutdownTimeout for
// in-flight requests, flushes relationships and takes a final snapshot.
func (d *Daemon) Run(ctx context.Context) error {
	reqCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()

	cfg := d.cfg.Load()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.node.Run(gctx, func(_ context.Context, c *relationship.Context, in packet.Inner) {
			d.handle(reqCtx, c, in)
		})
	})
	g.Go(func() error { return d.every(gctx, cfg.CleanupInterval(), d.Cleanup) })
	if d.deps.State != nil {
		g.Go(func() error {
			return d.every(gctx, cfg.SnapshotInterval(), func() {
				if err := d.Snapshot(); err != nil {
					d.log.Warn("snapshot failed", "error", err)
				}
			})
		})
	}
	d.log.Info("daemon started", "address", d.deps.Transport.Addr(), "relationships", len(d.deps.Keyring.Relationships()))
	err := g.Wait()

	d.drain(cancelRequests)
	if ferr := d.deps.Keyring.Flush(); ferr != nil {
		d.log.Warn("flushing relationships", "error", ferr)
	}
	if d.deps.State != nil {
		if serr := d.Snapshot(); serr != nil {
			d.log.Warn("final snapshot failed", "error", serr)
		}
	}
	d.log.Info("daemon stopped")
	return err
}

func (d *Daemon) drain(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		d.log.Warn("abandoning in-flight requests")
		cancel()
		<-done
	}
}

func (d *Daemon) every(ctx context.Context, interval time.Duration, fn func()) error {
	t := d.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

func (d *Daemon) handle(ctx context.Context, c *relationship.Context, in packet.Inner) {
	switch in.Type {
	case packet.TypeData:
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.serve(ctx, c, in)
		}()
	case packet.TypeAck:
		d.log.Debug("ack received", "relationship_id", c.ID, "correlation_id", in.Metadata.CorrelationID)
	default:
		d.log.Debug("ignoring inner packet", "relationship_id", c.ID, "type", in.Type.String())
	}
}

// serve executes one instruction and sends the response back to the
// peer under the request's correlation id.
func (d *Daemon) serve(ctx context.Context, c *relationship.Context, in packet.Inner) {
	instr, resp := d.execute(ctx, c.ID, in.Payload)
	payload, err := resp.Encode()
	if err != nil {
		d.log.Warn("encoding response", "relationship_id", c.ID, "error", err)
		return
	}
	prio := in.Metadata.Priority
	if instr != nil {
		prio = instr.Priority
	}
	out := packet.Inner{Type: packet.TypeData, Payload: payload, Metadata: in.Reply(prio)}
	if err := d.node.Send(ctx, c.ID, out); err != nil {
		d.log.Warn("sending response", "relationship_id", c.ID, "request_id", resp.RequestID, "error", err)
	}
}

// execute decodes and runs one instruction payload. Decode failures are
// logged and answered with a fixed message; instr is nil for them.
func (d *Daemon) execute(ctx context.Context, id identity.RelationshipID, payload []byte) (*bytecode.Instruction, *bytecode.Response) {
	instr, err := bytecode.DecodeInstruction(payload)
	if err != nil {
		d.log.Warn("undecodable instruction", "relationship_id", id, "error", err)
		return nil, bytecode.NewError("", errInvalidInstruction, 0)
	}
	return instr, d.exec.Execute(ctx, id, instr)
}

// Cleanup removes expired relationships together with their grants and
// replay state, then persists contact times.
func (d *Daemon) Cleanup() {
	before := map[identity.RelationshipID]*relationship.Context{}
	for _, c := range d.deps.Keyring.Relationships() {
		before[c.ID] = c
	}
	for _, id := range d.deps.Keyring.CleanupExpired() {
		if _, err := d.perms.RevokeAll(id); err != nil {
			d.log.Warn("revoking grants of expired relationship", "relationship_id", id, "error", err)
		}
		if c, ok := before[id]; ok {
			d.node.Forget(c)
		}
	}
	if err := d.deps.Keyring.Flush(); err != nil {
		d.log.Warn("flushing relationships", "error", err)
	}
}

// Snapshot records statistics and reloads grants, picking up changes
// made by the command line while the daemon runs.
func (d *Daemon) Snapshot() error {
	if d.deps.State == nil {
		return nil
	}
	if err := d.perms.Load(); err != nil {
		return err
	}
	now := d.clock.Now()
	snap := Snapshot{
		TakenAt:       now.UTC(),
		Requests:      d.exec.Stats(),
		Packets:       d.node.Sequencer().Stats(),
		Relationships: d.deps.Keyring.Stats(),
		Grants:        d.perms.Count(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return d.deps.State.SaveSnapshot(SnapshotKind, now, data, snapshotKeep)
}

// LatestSnapshot reads the newest statistics record from db.
func LatestSnapshot(db *state.DB) (Snapshot, error) {
	_, data, err := db.LatestSnapshot(SnapshotKind)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("daemon: decode snapshot: %w", err)
	}
	return s, nil
}

func (d *Daemon) status() bytecode.Map {
	stats := d.deps.Keyring.Stats()
	pkts := d.node.Sequencer().Stats()
	dropped := pkts.DuplicatePackets + pkts.ExpiredPackets + pkts.MACFailures + pkts.DecryptionFailures
	return bytecode.Map{
		"relationships":    bytecode.Integer(stats.Total),
		"pairing_state":    bytecode.String(d.deps.Keyring.Pairing().State().Name()),
		"packets_received": bytecode.Integer(int64(pkts.PacketsReceived)),
		"packets_sent":     bytecode.Integer(int64(pkts.PacketsSent)),
		"packets_dropped":  bytecode.Integer(int64(dropped)),
	}
}
