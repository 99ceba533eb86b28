// Package config loads the daemon configuration from YAML or TOML,
// applies TETHER_* environment overrides and validates the result.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/dispatch"
	"github.com/TheusHen/tether/tether/keyring"
	"github.com/TheusHen/tether/tether/pairing"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TETHER_"

type Config struct {
	Device        DeviceConfig        `yaml:"device" toml:"device"`
	Listen        ListenConfig        `yaml:"listen" toml:"listen"`
	Storage       StorageConfig       `yaml:"storage" toml:"storage"`
	Pairing       PairingConfig       `yaml:"pairing" toml:"pairing"`
	Relationships RelationshipsConfig `yaml:"relationships" toml:"relationships"`
	Daemon        DaemonConfig        `yaml:"daemon" toml:"daemon"`
	Providers     ProvidersConfig     `yaml:"providers" toml:"providers"`
	Log           LogConfig           `yaml:"log" toml:"log"`
}

type DeviceConfig struct {
	Name    string `yaml:"name" toml:"name"`
	DataDir string `yaml:"data_dir" toml:"data_dir"`
}

type ListenConfig struct {
	Address string `yaml:"address" toml:"address"`
	// Advertise is the address peers should dial, put in beacons and
	// offers. Empty means the first non-loopback address of this host
	// with the listen port.
	Advertise string `yaml:"advertise" toml:"advertise"`
}

type StorageConfig struct {
	// RelationshipDir defaults to <data_dir>/relationships.
	RelationshipDir string `yaml:"relationship_dir" toml:"relationship_dir"`
	CacheSize       int    `yaml:"cache_size" toml:"cache_size"`
	// PassphraseEnv names the variable holding the storage passphrase.
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

type PairingConfig struct {
	TimeoutSec           int  `yaml:"timeout_sec" toml:"timeout_sec"`
	DiscoveryTimeoutSec  int  `yaml:"discovery_timeout_sec" toml:"discovery_timeout_sec"`
	BroadcastIntervalSec int  `yaml:"broadcast_interval_sec" toml:"broadcast_interval_sec"`
	MinSignal            int  `yaml:"min_signal" toml:"min_signal"`
	MaxDevices           int  `yaml:"max_devices" toml:"max_devices"`
	AutoAccept           bool `yaml:"auto_accept" toml:"auto_accept"`
	MDNS                 bool `yaml:"mdns" toml:"mdns"`
}

type RelationshipsConfig struct {
	TimeoutDays int `yaml:"timeout_days" toml:"timeout_days"`
	MaxCount    int `yaml:"max_count" toml:"max_count"`
	// StaleDays removes relationships idle this long even without
	// auto_forget. Zero disables it.
	StaleDays int `yaml:"stale_days" toml:"stale_days"`
}

type DaemonConfig struct {
	CleanupIntervalSec    int      `yaml:"cleanup_interval_sec" toml:"cleanup_interval_sec"`
	SnapshotIntervalSec   int      `yaml:"snapshot_interval_sec" toml:"snapshot_interval_sec"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
	PermissionsDB         string   `yaml:"permissions_db" toml:"permissions_db"`
	DefaultGrants         []string `yaml:"default_grants" toml:"default_grants"`
}

type ProvidersConfig struct {
	LLM   LLMConfig   `yaml:"llm" toml:"llm"`
	Image ImageConfig `yaml:"image" toml:"image"`
	File  FileConfig  `yaml:"file" toml:"file"`
}

type EndpointConfig struct {
	Name string `yaml:"name" toml:"name"`
	API  string `yaml:"api" toml:"api"`
	URL  string `yaml:"url" toml:"url"`
	// APIKeyEnv names the variable holding the bearer token.
	APIKeyEnv  string `yaml:"api_key_env" toml:"api_key_env"`
	Model      string `yaml:"model" toml:"model"`
	TimeoutSec int    `yaml:"timeout_sec" toml:"timeout_sec"`
	Disabled   bool   `yaml:"disabled" toml:"disabled"`
}

type RateLimitConfig struct {
	Requests  int `yaml:"requests" toml:"requests"`
	WindowSec int `yaml:"window_sec" toml:"window_sec"`
}

type LLMConfig struct {
	Enabled   bool             `yaml:"enabled" toml:"enabled"`
	Models    []string         `yaml:"models" toml:"models"`
	Endpoints []EndpointConfig `yaml:"endpoints" toml:"endpoints"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
}

type ImageConfig struct {
	Enabled   bool             `yaml:"enabled" toml:"enabled"`
	MaxWidth  int              `yaml:"max_width" toml:"max_width"`
	MaxHeight int              `yaml:"max_height" toml:"max_height"`
	Endpoints []EndpointConfig `yaml:"endpoints" toml:"endpoints"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
}

type FileConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// SpoolDir defaults to <data_dir>/spool.
	SpoolDir     string          `yaml:"spool_dir" toml:"spool_dir"`
	MaxSize      int64           `yaml:"max_size" toml:"max_size"`
	AllowedTypes []string        `yaml:"allowed_types" toml:"allowed_types"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultDataDir is ~/.tether, or .tether when the home directory is
// unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tether"
	}
	return filepath.Join(home, ".tether")
}

func DefaultConfig() *Config {
	p := pairing.DefaultConfig()
	caps := bytecode.DefaultCapabilities()
	return &Config{
		Device: DeviceConfig{
			Name:    hostname(),
			DataDir: DefaultDataDir(),
		},
		Listen: ListenConfig{Address: ":7420"},
		Storage: StorageConfig{
			CacheSize:     50,
			PassphraseEnv: EnvPrefix + "PASSPHRASE",
		},
		Pairing: PairingConfig{
			TimeoutSec:           int(p.PairingTimeout / time.Second),
			DiscoveryTimeoutSec:  int(p.DiscoveryTimeout / time.Second),
			BroadcastIntervalSec: int(p.BroadcastInterval / time.Second),
			MinSignal:            int(p.MinSignalStrength),
			MaxDevices:           p.MaxDevices,
			MDNS:                 true,
		},
		Relationships: RelationshipsConfig{
			TimeoutDays: 30,
			MaxCount:    100,
			StaleDays:   90,
		},
		Daemon: DaemonConfig{
			CleanupIntervalSec:    3600,
			SnapshotIntervalSec:   30,
			MaxConcurrentRequests: caps.MaxConcurrentRequests,
			DefaultGrants: []string{
				bytecode.Nop.String(),
				bytecode.Echo.String(),
				bytecode.CapabilityQuery.String(),
				bytecode.HealthCheck.String(),
				bytecode.StatusQuery.String(),
			},
		},
		Providers: ProvidersConfig{
			LLM: LLMConfig{
				RateLimit: RateLimitConfig{Requests: 30, WindowSec: 60},
			},
			Image: ImageConfig{
				MaxWidth:  caps.ImageMaxResolution[0],
				MaxHeight: caps.ImageMaxResolution[1],
				RateLimit: RateLimitConfig{Requests: 10, WindowSec: 60},
			},
			File: FileConfig{
				Enabled:      caps.FileTransferEnabled,
				MaxSize:      caps.FileMaxSize,
				AllowedTypes: caps.FileAllowedTypes,
				RateLimit:    RateLimitConfig{Requests: 60, WindowSec: 60},
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "tether"
	}
	return h
}

// ApplyEnvOverrides reads TETHER_* variables over the loaded values.
// Unparsable numbers and booleans are ignored.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("DEVICE_NAME", &c.Device.Name)
	str("DATA_DIR", &c.Device.DataDir)
	str("LISTEN_ADDRESS", &c.Listen.Address)
	str("ADVERTISE_ADDRESS", &c.Listen.Advertise)
	str("RELATIONSHIP_DIR", &c.Storage.RelationshipDir)
	str("PERMISSIONS_DB", &c.Daemon.PermissionsDB)
	str("SPOOL_DIR", &c.Providers.File.SpoolDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	num("MAX_CONCURRENT_REQUESTS", &c.Daemon.MaxConcurrentRequests)
	num("STALE_DAYS", &c.Relationships.StaleDays)
	flag("AUTO_ACCEPT", &c.Pairing.AutoAccept)
	flag("MDNS", &c.Pairing.MDNS)
	flag("LLM_ENABLED", &c.Providers.LLM.Enabled)
	flag("IMAGE_ENABLED", &c.Providers.Image.Enabled)
	flag("FILE_ENABLED", &c.Providers.File.Enabled)
}

// AdvertiseAddress resolves listen.advertise, replacing an unspecified
// listen host with a non-loopback address of this machine.
func (c *Config) AdvertiseAddress() string {
	if c.Listen.Advertise != "" {
		return c.Listen.Advertise
	}
	host, port, err := net.SplitHostPort(c.Listen.Address)
	if err != nil {
		return c.Listen.Address
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return c.Listen.Address
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return c.Listen.Address
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() || ipn.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipn.IP.To4() != nil {
			return net.JoinHostPort(ipn.IP.String(), port)
		}
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func (c *Config) RelationshipDir() string {
	if c.Storage.RelationshipDir != "" {
		return c.Storage.RelationshipDir
	}
	return filepath.Join(c.Device.DataDir, "relationships")
}

func (c *Config) PermissionsDB() string {
	if c.Daemon.PermissionsDB != "" {
		return c.Daemon.PermissionsDB
	}
	return filepath.Join(c.Device.DataDir, "state.db")
}

func (c *Config) SpoolDir() string {
	if c.Providers.File.SpoolDir != "" {
		return c.Providers.File.SpoolDir
	}
	return filepath.Join(c.Device.DataDir, "spool")
}

// EnsureDirectories creates the data directories with owner-only access.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Device.DataDir, c.RelationshipDir(), filepath.Dir(c.PermissionsDB())}
	if c.Providers.File.Enabled {
		dirs = append(dirs, c.SpoolDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Passphrase reads the storage passphrase from the configured variable.
func (c *Config) Passphrase() (string, bool) {
	v, ok := os.LookupEnv(c.Storage.PassphraseEnv)
	return v, ok && v != ""
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func days(n int) time.Duration    { return time.Duration(n) * 24 * time.Hour }

func (c *Config) PairingConfig() pairing.Config {
	return pairing.Config{
		PairingTimeout:    seconds(c.Pairing.TimeoutSec),
		DiscoveryTimeout:  seconds(c.Pairing.DiscoveryTimeoutSec),
		BroadcastInterval: seconds(c.Pairing.BroadcastIntervalSec),
		MinSignalStrength: uint8(c.Pairing.MinSignal),
		MaxDevices:        c.Pairing.MaxDevices,
	}
}

func (c *Config) KeyringConfig(logger *slog.Logger) keyring.Config {
	cfg := keyring.DefaultConfig()
	cfg.RelationshipTimeout = days(c.Relationships.TimeoutDays)
	cfg.StaleAfter = days(c.Relationships.StaleDays)
	cfg.MaxRelationships = c.Relationships.MaxCount
	cfg.Logger = logger
	return cfg
}

func (c *Config) CleanupInterval() time.Duration  { return seconds(c.Daemon.CleanupIntervalSec) }
func (c *Config) SnapshotInterval() time.Duration { return seconds(c.Daemon.SnapshotIntervalSec) }

// Grants parses daemon.default_grants into opcodes.
func (c *Config) Grants() ([]bytecode.OpCode, error) {
	out := make([]bytecode.OpCode, 0, len(c.Daemon.DefaultGrants))
	for _, name := range c.Daemon.DefaultGrants {
		op, err := bytecode.ParseOpCode(name)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (r RateLimitConfig) Limit() dispatch.RateLimit {
	return dispatch.RateLimit{Requests: r.Requests, Window: seconds(r.WindowSec)}
}

// Endpoints resolves API keys from the environment.
func Endpoints(cfgs []EndpointConfig) []dispatch.Endpoint {
	out := make([]dispatch.Endpoint, 0, len(cfgs))
	for _, e := range cfgs {
		ep := dispatch.Endpoint{
			Name:    e.Name,
			API:     strings.ToLower(e.API),
			URL:     e.URL,
			Model:   e.Model,
			Timeout: seconds(e.TimeoutSec),
			Enabled: !e.Disabled,
		}
		if e.APIKeyEnv != "" {
			ep.APIKey = os.Getenv(e.APIKeyEnv)
		}
		out = append(out, ep)
	}
	return out
}

// Capabilities is the capability document implied by the providers
// section.
func (c *Config) Capabilities() bytecode.Capabilities {
	caps := bytecode.DefaultCapabilities()
	caps.LLMEnabled = c.Providers.LLM.Enabled
	caps.LLMModels = append([]string(nil), c.Providers.LLM.Models...)
	caps.ImageEnabled = c.Providers.Image.Enabled
	caps.ImageMaxResolution = [2]int{c.Providers.Image.MaxWidth, c.Providers.Image.MaxHeight}
	caps.FileTransferEnabled = c.Providers.File.Enabled
	caps.FileMaxSize = c.Providers.File.MaxSize
	caps.FileAllowedTypes = append([]string(nil), c.Providers.File.AllowedTypes...)
	caps.ComputeEnabled = false
	caps.MaxConcurrentRequests = c.Daemon.MaxConcurrentRequests
	return caps
}

// ParseLevel maps a log level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}
