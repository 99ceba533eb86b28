package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/TheusHen/tether/tether/bytecode"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Device.Name == "" {
		add("device.name", "must not be empty")
	}
	if c.Device.DataDir == "" {
		add("device.data_dir", "must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.Listen.Address); err != nil {
		add("listen.address", "%v", err)
	}
	if c.Storage.CacheSize <= 0 {
		add("storage.cache_size", "must be positive")
	}
	if c.Storage.PassphraseEnv == "" {
		add("storage.passphrase_env", "must name an environment variable")
	}

	if c.Pairing.TimeoutSec <= 0 {
		add("pairing.timeout_sec", "must be positive")
	}
	if c.Pairing.BroadcastIntervalSec <= 0 {
		add("pairing.broadcast_interval_sec", "must be positive")
	}
	if c.Pairing.MinSignal < 0 || c.Pairing.MinSignal > 255 {
		add("pairing.min_signal", "must be between 0 and 255")
	}
	if c.Pairing.MaxDevices <= 0 {
		add("pairing.max_devices", "must be positive")
	}

	if c.Relationships.TimeoutDays <= 0 {
		add("relationships.timeout_days", "must be positive")
	}
	if c.Relationships.MaxCount <= 0 {
		add("relationships.max_count", "must be positive")
	}
	if c.Relationships.StaleDays < 0 {
		add("relationships.stale_days", "must not be negative")
	}

	if c.Daemon.CleanupIntervalSec <= 0 {
		add("daemon.cleanup_interval_sec", "must be positive")
	}
	if c.Daemon.SnapshotIntervalSec <= 0 {
		add("daemon.snapshot_interval_sec", "must be positive")
	}
	if c.Daemon.MaxConcurrentRequests <= 0 {
		add("daemon.max_concurrent_requests", "must be positive")
	}
	for _, name := range c.Daemon.DefaultGrants {
		if _, err := bytecode.ParseOpCode(name); err != nil {
			add("daemon.default_grants", "unknown opcode %q", name)
		}
	}

	p := c.Providers
	errs = append(errs, validateEndpoints("providers.llm", p.LLM.Enabled, p.LLM.Endpoints)...)
	errs = append(errs, validateEndpoints("providers.image", p.Image.Enabled, p.Image.Endpoints)...)
	if p.Image.Enabled && (p.Image.MaxWidth <= 0 || p.Image.MaxHeight <= 0) {
		add("providers.image", "max_width and max_height must be positive")
	}
	if p.File.Enabled && p.File.MaxSize <= 0 {
		add("providers.file.max_size", "must be positive")
	}
	for _, r := range []struct {
		field string
		rl    RateLimitConfig
	}{
		{"providers.llm.rate_limit", p.LLM.RateLimit},
		{"providers.image.rate_limit", p.Image.RateLimit},
		{"providers.file.rate_limit", p.File.RateLimit},
	} {
		if r.rl.Requests < 0 || r.rl.WindowSec < 0 {
			add(r.field, "must not be negative")
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		add("log.level", "unknown level %q", c.Log.Level)
	}
	if f := c.Log.Format; f != "json" && f != "text" {
		add("log.format", "must be json or text, got %q", f)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEndpoints(section string, enabled bool, eps []EndpointConfig) ValidationErrors {
	var errs ValidationErrors
	if enabled && len(eps) == 0 {
		errs = append(errs, ValidationError{Field: section + ".endpoints", Message: "enabled with no endpoints"})
	}
	for i, ep := range eps {
		field := fmt.Sprintf("%s.endpoints[%d]", section, i)
		if ep.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "must not be empty"})
		}
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{Field: field + ".url", Message: fmt.Sprintf("invalid URL %q", ep.URL)})
		}
		if ep.TimeoutSec < 0 {
			errs = append(errs, ValidationError{Field: field + ".timeout_sec", Message: "must not be negative"})
		}
	}
	return errs
}
