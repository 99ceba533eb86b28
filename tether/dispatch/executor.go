package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/permission"
)

// DeniedMessage is the only detail a peer gets for a missing grant or
// an opcode nobody serves.
const DeniedMessage = "permission denied"

const DefaultMaxConcurrent = 10

// StatusFunc supplies the StatusQuery result.
type StatusFunc func() bytecode.Map

type ExecutorConfig struct {
	MaxConcurrent int
	Capabilities  func() bytecode.Capabilities
	Status        StatusFunc
	Logger        *slog.Logger
}

// Stats are execution counters. Denied requests count as failures.
type Stats struct {
	Total            uint64            `json:"total_requests"`
	Successful       uint64            `json:"successful_requests"`
	Failed           uint64            `json:"failed_requests"`
	Denied           uint64            `json:"denied_requests"`
	RateLimited      uint64            `json:"rate_limited_requests"`
	Busy             uint64            `json:"busy_requests"`
	AverageExecMs    float64           `json:"average_execution_time_ms"`
	ByOpCode         map[string]uint64 `json:"requests_by_opcode"`
	ConcurrentActive int64             `json:"concurrent_active"`
}

// Executor checks permissions, bounds concurrency and runs
// instructions, turning every outcome into a Response.
type Executor struct {
	perms    *permission.Table
	dispatch *Dispatcher
	clock    clock.Clock
	cfg      ExecutorConfig
	log      *slog.Logger
	sem      *semaphore.Weighted
	started  time.Time

	statsMu sync.RWMutex
	stats   Stats
}

func NewExecutor(perms *permission.Table, d *Dispatcher, clk clock.Clock, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = bytecode.DefaultCapabilities
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		perms:    perms,
		dispatch: d,
		clock:    clk,
		cfg:      cfg,
		log:      cfg.Logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		started:  clk.Now(),
		stats:    Stats{ByOpCode: make(map[string]uint64)},
	}
}

// Execute runs in on behalf of relationship id. It never returns nil.
func (e *Executor) Execute(ctx context.Context, id identity.RelationshipID, in *bytecode.Instruction) *bytecode.Response {
	start := e.clock.Now()

	if err := in.Validate(); err != nil {
		e.record(in.OpCode, outcomeFailed, 0)
		return bytecode.NewError(in.RequestID, "invalid instruction: "+err.Error(), 0)
	}
	if !e.perms.Check(id, in.OpCode) || !e.served(in.OpCode) {
		e.log.Debug("instruction denied", "relationship_id", id, "opcode", in.OpCode.String())
		e.record(in.OpCode, outcomeDenied, 0)
		return bytecode.NewError(in.RequestID, DeniedMessage, 0)
	}
	if !e.sem.TryAcquire(1) {
		e.record(in.OpCode, outcomeBusy, 0)
		return bytecode.NewError(in.RequestID, ErrBusy.Error(), 0)
	}
	e.adjustActive(1)
	defer func() {
		e.adjustActive(-1)
		e.sem.Release(1)
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(in.TimeoutSeconds)*time.Second)
	defer cancel()

	result, err := e.run(ctx, in)
	elapsed := uint64(e.clock.Now().Sub(start).Milliseconds())

	var resp *bytecode.Response
	switch {
	case err == nil:
		e.record(in.OpCode, outcomeSuccess, elapsed)
		resp = bytecode.NewSuccess(in.RequestID, result, elapsed)
	case errors.Is(err, ErrRateLimited):
		e.record(in.OpCode, outcomeRateLimited, elapsed)
		resp = bytecode.NewError(in.RequestID, ErrRateLimited.Error(), elapsed)
	case errors.Is(err, ErrNoProvider):
		e.record(in.OpCode, outcomeDenied, elapsed)
		resp = bytecode.NewError(in.RequestID, DeniedMessage, elapsed)
	default:
		e.log.Warn("instruction failed", "relationship_id", id, "opcode", in.OpCode.String(),
			"request_id", in.RequestID, "error", err)
		e.record(in.OpCode, outcomeFailed, elapsed)
		resp = bytecode.NewError(in.RequestID, "execution failed: "+err.Error(), elapsed)
	}
	return resp.WithResourceUsage(usage(in, result, elapsed))
}

// served reports whether anything can execute op.
func (e *Executor) served(op bytecode.OpCode) bool {
	if op.Family() == bytecode.System || op.Family() == bytecode.Status {
		return true
	}
	return e.dispatch.Supports(op)
}

func (e *Executor) run(ctx context.Context, in *bytecode.Instruction) (bytecode.Value, error) {
	switch in.OpCode {
	case bytecode.Nop:
		return bytecode.String("NOP completed"), nil
	case bytecode.Echo:
		msg, _ := in.StringParam("message")
		return bytecode.String("Echo: " + msg), nil
	case bytecode.Halt:
		return bytecode.String("Halt acknowledged"), nil
	case bytecode.CapabilityQuery:
		return e.cfg.Capabilities().Value(), nil
	case bytecode.HealthCheck:
		return bytecode.Map{
			"status":         bytecode.String("healthy"),
			"uptime_seconds": bytecode.Integer(e.clock.Now().Sub(e.started) / time.Second),
		}, nil
	case bytecode.StatusQuery:
		m := bytecode.Map{}
		if e.cfg.Status != nil {
			m = e.cfg.Status()
		}
		s := e.Stats()
		m["daemon_version"] = bytecode.String(bytecode.Version)
		m["uptime_seconds"] = bytecode.Integer(e.clock.Now().Sub(e.started) / time.Second)
		m["total_requests"] = bytecode.Integer(s.Total)
		m["active_requests"] = bytecode.Integer(s.ConcurrentActive)
		return m, nil
	case bytecode.ResourceUsageOp:
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return bytecode.Map{
			"heap_alloc_bytes": bytecode.Integer(ms.HeapAlloc),
			"sys_bytes":        bytecode.Integer(ms.Sys),
			"goroutines":       bytecode.Integer(runtime.NumGoroutine()),
			"gc_cycles":        bytecode.Integer(ms.NumGC),
		}, nil
	}
	return e.dispatch.Execute(ctx, in)
}

func usage(in *bytecode.Instruction, result bytecode.Value, elapsedMs uint64) bytecode.ResourceUsage {
	u := bytecode.ResourceUsage{
		CPUTimeMs:   elapsedMs,
		MemoryBytes: uint64(valueSize(result)),
	}
	switch in.OpCode {
	case bytecode.FileTransfer, bytecode.FileList, bytecode.FileMetadata, bytecode.FileDelete:
		u.DiskOperations = 1
	case bytecode.ImageGenerate, bytecode.ImageEdit, bytecode.ImageUpscale, bytecode.ImageVariation:
		gpu := elapsedMs
		u.GPUTimeMs = &gpu
	}
	return u
}

// valueSize approximates the in-memory size of a result.
func valueSize(v bytecode.Value) int {
	switch v := v.(type) {
	case bytecode.String:
		return len(v)
	case bytecode.Bytes:
		return len(v)
	case bytecode.Array:
		n := 0
		for _, e := range v {
			n += valueSize(e)
		}
		return n
	case bytecode.Map:
		n := 0
		for k, e := range v {
			n += len(k) + valueSize(e)
		}
		return n
	case nil:
		return 0
	default:
		return 8
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeDenied
	outcomeRateLimited
	outcomeBusy
)

func (e *Executor) record(op bytecode.OpCode, o outcome, elapsedMs uint64) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := &e.stats
	s.Total++
	s.ByOpCode[op.String()]++
	switch o {
	case outcomeSuccess:
		s.Successful++
		s.AverageExecMs += (float64(elapsedMs) - s.AverageExecMs) / float64(s.Successful)
		return
	case outcomeDenied:
		s.Denied++
	case outcomeRateLimited:
		s.RateLimited++
	case outcomeBusy:
		s.Busy++
	}
	s.Failed++
}

func (e *Executor) adjustActive(delta int64) {
	e.statsMu.Lock()
	e.stats.ConcurrentActive += delta
	e.statsMu.Unlock()
}

// Stats returns a copy of the counters.
func (e *Executor) Stats() Stats {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()

	s := e.stats
	s.ByOpCode = make(map[string]uint64, len(e.stats.ByOpCode))
	for k, v := range e.stats.ByOpCode {
		s.ByOpCode[k] = v
	}
	return s
}

// ResetStats zeroes the counters, keeping the active request count.
func (e *Executor) ResetStats() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats = Stats{ByOpCode: make(map[string]uint64), ConcurrentActive: e.stats.ConcurrentActive}
}
