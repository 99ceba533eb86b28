package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/config"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
	"github.com/TheusHen/tether/tether/identity"
	"github.com/TheusHen/tether/tether/keyring"
	"github.com/TheusHen/tether/tether/pairing"
	"github.com/TheusHen/tether/tether/permission"
	"github.com/TheusHen/tether/tether/relationship"
	"github.com/TheusHen/tether/tether/state"
)

var (
	configPath    string
	home          string
	passphraseEnv string

	loader *config.Loader
	cfg    *config.Config
	level  = new(slog.LevelVar)
	logger *slog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "tetherd",
		Short:         "Laptop daemon serving paired handhelds over encrypted links",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				dir := home
				if dir == "" {
					dir = config.DefaultDataDir()
				}
				configPath = filepath.Join(dir, "tetherd.yaml")
			}
			logger = newLogger("")
			loader = config.NewLoader(configPath, logger)
			var err error
			if cfg, err = loader.Load(); err != nil {
				return err
			}
			if home != "" {
				cfg.Device.DataDir = home
			}
			if passphraseEnv != "" {
				cfg.Storage.PassphraseEnv = passphraseEnv
			}
			if lvl, err := config.ParseLevel(cfg.Log.Level); err == nil {
				level.Set(lvl)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file, .yaml or .toml (default <home>/tetherd.yaml)")
	root.PersistentFlags().StringVar(&home, "home", "", "data directory (default ~/.tether)")
	root.PersistentFlags().StringVar(&passphraseEnv, "passphrase-env", "", "environment variable holding the storage passphrase")

	root.AddCommand(
		runCmd(),
		pairCmd(),
		relationshipsCmd(),
		grantCmd(),
		revokeCmd(),
		backupCmd(),
		restoreCmd(),
		identityCmd(),
		statusCmd(),
	)
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tetherd:", err)
	}
	return err
}

// newLogger writes text to a terminal and JSON otherwise, or the
// configured format when forced.
func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" || format == "" && !term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// readSecret takes a secret from envName, or prompts on a terminal.
func readSecret(envName, prompt string) (string, error) {
	if v := os.Getenv(envName); v != "" {
		return v, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("set %s or run from a terminal", envName)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(b), nil
}

func storagePassphrase() (string, error) {
	return readSecret(cfg.Storage.PassphraseEnv, "Storage passphrase: ")
}

// openKeyring loads the device identity, creating it on first run, and
// every stored relationship.
func openKeyring(clk clock.Clock) (*keyring.Manager, error) {
	pass, err := storagePassphrase()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	dev, created, err := identity.LoadOrCreateDevice(cfg.Device.DataDir, cfg.Device.Name, pass, tcrypto.DefaultScrypt, clk.Now())
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("device identity created", "device_id", dev.ID, "fingerprint", dev.Keys.Public().Fingerprint())
	}
	store, err := relationship.OpenStore(cfg.RelationshipDir(), pass, relationship.StoreOptions{
		CacheSize: cfg.Storage.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	pm := pairing.NewManager(cfg.PairingConfig(), clk, dev.Keys.Public())
	return keyring.New(dev, store, pm, clk, cfg.KeyringConfig(logger))
}

func openPermissions(clk clock.Clock) (*permission.Table, *state.DB, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}
	db, err := state.Open(cfg.PermissionsDB())
	if err != nil {
		return nil, nil, err
	}
	perms := permission.New(clk, db, logger)
	if err := perms.Load(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return perms, db, nil
}

// resolve finds a relationship by exact id, unique id prefix or
// nickname.
func resolve(km *keyring.Manager, ref string) (*relationship.Context, error) {
	if c, err := km.Relationship(identity.RelationshipID(ref)); err == nil {
		return c, nil
	}
	var matches []*relationship.Context
	for _, c := range km.Relationships() {
		if strings.HasPrefix(c.ID.String(), ref) {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		matches = km.FindByNickname(ref)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", tcrypto.ErrRelationshipNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d relationships", ref, len(matches))
	}
}
