// Package dispatch executes authorized instructions: system opcodes are
// answered in-process, everything else is routed by opcode family to a
// registered Provider with ordered endpoint fallback and a per-provider
// rate limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheusHen/tether/tether/bytecode"
)

var (
	ErrNoProvider  = errors.New("dispatch: no provider for opcode")
	ErrNoEndpoint  = errors.New("dispatch: no enabled endpoint")
	ErrRateLimited = errors.New("dispatch: rate limit exceeded")
	ErrBusy        = errors.New("dispatch: too many concurrent requests")
)

// Endpoint is one configured backend of a provider. API names the wire
// format the backend speaks, e.g. "ollama" or "openai".
type Endpoint struct {
	Name    string
	API     string
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
	Enabled bool
}

// Provider executes the opcodes of one family.
type Provider interface {
	Name() string
	Family() bytecode.Family
	Endpoints() []Endpoint

	// Execute runs in against a single endpoint. The dispatcher moves on
	// to the next endpoint when it returns an error.
	Execute(ctx context.Context, in *bytecode.Instruction, ep Endpoint) (bytecode.Value, error)
}

// ProviderError records which endpoint failed.
type ProviderError struct {
	Provider string
	Endpoint string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
