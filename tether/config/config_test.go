package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/dispatch"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	grants, err := cfg.Grants()
	require.NoError(t, err)
	assert.Contains(t, grants, bytecode.Echo)
	assert.Equal(t, 90*24*time.Hour, cfg.KeyringConfig(nil).StaleAfter)
	assert.Equal(t, filepath.Join(cfg.Device.DataDir, "relationships"), cfg.RelationshipDir())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  name: workstation
  data_dir: /var/lib/tether
listen:
  address: "127.0.0.1:9000"
pairing:
  auto_accept: true
providers:
  llm:
    enabled: true
    models: [llama3]
    endpoints:
      - name: local
        api: Ollama
        url: http://localhost:11434
        timeout_sec: 120
    rate_limit:
      requests: 5
      window_sec: 10
log:
  level: debug
  format: text
`), 0o600))

	cfg, err := NewLoader(path, quiet()).Load()
	require.NoError(t, err)
	assert.Equal(t, "workstation", cfg.Device.Name)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen.Address)
	assert.True(t, cfg.Pairing.AutoAccept)
	assert.Equal(t, 300, cfg.Pairing.TimeoutSec, "unset fields keep defaults")

	eps := Endpoints(cfg.Providers.LLM.Endpoints)
	require.Len(t, eps, 1)
	assert.Equal(t, "ollama", eps[0].API)
	assert.Equal(t, 2*time.Minute, eps[0].Timeout)
	assert.True(t, eps[0].Enabled)
	assert.Equal(t, dispatch.RateLimit{Requests: 5, Window: 10 * time.Second}, cfg.Providers.LLM.RateLimit.Limit())

	caps := cfg.Capabilities()
	assert.True(t, caps.LLMEnabled)
	assert.Equal(t, []string{"llama3"}, caps.LLMModels)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[device]
name = "desk"
data_dir = "/tmp/tether"

[relationships]
stale_days = 0

[daemon]
default_grants = ["Echo", "FileList"]
`), 0o600))

	cfg, err := NewLoader(path, quiet()).Load()
	require.NoError(t, err)
	assert.Equal(t, "desk", cfg.Device.Name)
	assert.Zero(t, cfg.KeyringConfig(nil).StaleAfter)

	grants, err := cfg.Grants()
	require.NoError(t, err)
	assert.Equal(t, []bytecode.OpCode{bytecode.Echo, bytecode.FileList}, grants)
}

func TestMissingFileGivesDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), quiet()).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7420", cfg.Listen.Address)
}

func TestUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))
	_, err := NewLoader(path, quiet()).Load()
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TETHER_DEVICE_NAME", "from-env")
	t.Setenv("TETHER_AUTO_ACCEPT", "true")
	t.Setenv("TETHER_MAX_CONCURRENT_REQUESTS", "3")
	t.Setenv("TETHER_STALE_DAYS", "not-a-number")

	cfg, err := NewLoader("", quiet()).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Device.Name)
	assert.True(t, cfg.Pairing.AutoAccept)
	assert.Equal(t, 3, cfg.Daemon.MaxConcurrentRequests)
	assert.Equal(t, 90, cfg.Relationships.StaleDays)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen.Address = "no-port"
	cfg.Daemon.DefaultGrants = []string{"Teleport"}
	cfg.Providers.Image.Enabled = true
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{"listen.address", "daemon.default_grants", "providers.image.endpoints", "log.format"} {
		assert.True(t, fields[f], "missing error for %s", f)
	}
}

func TestSaveAndReload(t *testing.T) {
	for _, name := range []string{"tether.yaml", "tether.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.Device.Name = "saved"
			cfg.Pairing.MDNS = false
			require.NoError(t, Save(cfg, path))

			got, err := NewLoader(path, quiet()).Load()
			require.NoError(t, err)
			assert.Equal(t, "saved", got.Device.Name)
			assert.False(t, got.Pairing.MDNS)
			assert.Equal(t, cfg.Daemon.DefaultGrants, got.Daemon.DefaultGrants)
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	cfg := DefaultConfig()
	require.NoError(t, Save(cfg, path))

	l := NewLoader(path, quiet())
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	levels := make(chan string, 4)
	l.OnChange(func(c *Config) { changed <- c })
	l.OnChange(func(c *Config) { levels <- c.Log.Level })
	require.NoError(t, l.Watch())
	defer l.Close()

	// An invalid file is ignored.
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o600))
	time.Sleep(3 * debounceDelay)
	assert.Equal(t, "info", l.Config().Log.Level)

	cfg.Log.Level = "debug"
	require.NoError(t, Save(cfg, path))

	select {
	case c := <-changed:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	assert.Equal(t, "debug", <-levels, "every callback runs")
	assert.Equal(t, "debug", l.Config().Log.Level)
}
