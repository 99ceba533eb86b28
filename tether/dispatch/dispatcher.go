package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
)

// RateLimit allows Requests per Window. Zero Requests means unlimited.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

func (r RateLimit) limiter() *rate.Limiter {
	if r.Requests <= 0 || r.Window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(r.Window/time.Duration(r.Requests)), r.Requests)
}

type registration struct {
	provider Provider
	limiter  *rate.Limiter
}

// Dispatcher maps each opcode family to at most one provider.
type Dispatcher struct {
	clock clock.Clock
	log   *slog.Logger

	mu        sync.RWMutex
	providers map[bytecode.Family]*registration
}

func NewDispatcher(clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		clock:     clk,
		log:       logger,
		providers: make(map[bytecode.Family]*registration),
	}
}

// Register installs p for its family, replacing any earlier provider.
func (d *Dispatcher) Register(p Provider, limit RateLimit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Family()] = &registration{provider: p, limiter: limit.limiter()}
	d.log.Info("provider registered", "provider", p.Name(), "family", p.Family().String(),
		"endpoints", len(p.Endpoints()), "rate_requests", limit.Requests, "rate_window", limit.Window)
}

// SetRateLimit changes the limit of a registered family in place.
func (d *Dispatcher) SetRateLimit(f bytecode.Family, limit RateLimit) {
	d.mu.RLock()
	reg := d.providers[f]
	d.mu.RUnlock()
	if reg == nil {
		return
	}
	if limit.Requests <= 0 || limit.Window <= 0 {
		reg.limiter.SetLimitAt(d.clock.Now(), rate.Inf)
		return
	}
	now := d.clock.Now()
	reg.limiter.SetLimitAt(now, rate.Every(limit.Window/time.Duration(limit.Requests)))
	reg.limiter.SetBurstAt(now, limit.Requests)
}

// Provider returns the provider registered for f, if any.
func (d *Dispatcher) Provider(f bytecode.Family) (Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.providers[f]
	if !ok {
		return nil, false
	}
	return reg.provider, true
}

// Supports reports whether a provider is registered for op's family.
func (d *Dispatcher) Supports(op bytecode.OpCode) bool {
	_, ok := d.Provider(op.Family())
	return ok
}

// Execute routes in to its family's provider. Requests over the rate
// limit are rejected immediately with ErrRateLimited. Enabled endpoints
// are tried in configured order until one succeeds.
func (d *Dispatcher) Execute(ctx context.Context, in *bytecode.Instruction) (bytecode.Value, error) {
	d.mu.RLock()
	reg := d.providers[in.OpCode.Family()]
	d.mu.RUnlock()
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, in.OpCode)
	}
	if !reg.limiter.AllowN(d.clock.Now(), 1) {
		return nil, ErrRateLimited
	}

	var errs []error
	for _, ep := range reg.provider.Endpoints() {
		if !ep.Enabled {
			continue
		}
		v, err := d.try(ctx, reg.provider, in, ep)
		if err == nil {
			return v, nil
		}
		d.log.Debug("endpoint failed", "provider", reg.provider.Name(), "endpoint", ep.Name, "error", err)
		errs = append(errs, &ProviderError{Provider: reg.provider.Name(), Endpoint: ep.Name, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, reg.provider.Name())
	}
	return nil, errors.Join(errs...)
}

func (d *Dispatcher) try(ctx context.Context, p Provider, in *bytecode.Instruction, ep Endpoint) (bytecode.Value, error) {
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}
	return p.Execute(ctx, in, ep)
}
