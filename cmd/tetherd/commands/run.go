package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/config"
	"github.com/TheusHen/tether/tether/daemon"
	"github.com/TheusHen/tether/tether/discovery"
	"github.com/TheusHen/tether/tether/discovery/mdns"
	"github.com/TheusHen/tether/tether/state"
	"github.com/TheusHen/tether/tether/transport/quic"
)

// instance is a daemon with the resources it owns.
type instance struct {
	daemon  *daemon.Daemon
	carrier discovery.Carrier
	closers []func() error
}

func (in *instance) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		errs = append(errs, in.closers[i]())
	}
	return errors.Join(errs...)
}

func startDaemon() (*instance, error) {
	clk := clock.Real()
	km, err := openKeyring(clk)
	if err != nil {
		return nil, err
	}
	in := &instance{}
	db, err := state.Open(cfg.PermissionsDB())
	if err != nil {
		return nil, err
	}
	in.closers = append(in.closers, db.Close)

	tr, err := quic.Listen(cfg.Listen.Address, logger)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.closers = append(in.closers, tr.Close)

	if cfg.Pairing.MDNS {
		port := 0
		if _, p, err := net.SplitHostPort(tr.Addr()); err == nil {
			port, _ = strconv.Atoi(p)
		}
		c := mdns.New(mdns.Config{Port: port, Logger: logger})
		in.carrier = c
		in.closers = append(in.closers, c.Close)
	}

	d, err := daemon.New(cfg, daemon.Deps{
		Keyring:    km,
		Advertise:  cfg.AdvertiseAddress(),
		Transport:  tr,
		Carrier:    in.carrier,
		State:      db,
		Clock:      clk,
		Logger:     logger,
		Level:      level,
		HTTPClient: &http.Client{},
	})
	if err != nil {
		in.Close()
		return nil, err
	}
	in.daemon = d
	return in, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var pairOnStart bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve paired handhelds until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger = newLogger(cfg.Log.Format)
			loader = config.NewLoader(loader.Path(), logger)

			in, err := startDaemon()
			if err != nil {
				return err
			}
			defer in.Close()

			loader.OnChange(func(c *config.Config) {
				if passphraseEnv != "" {
					c.Storage.PassphraseEnv = passphraseEnv
				}
				in.daemon.ApplyConfig(c)
			})
			if err := loader.Watch(); err != nil {
				logger.Warn("config hot reload disabled", "error", err)
			}
			defer loader.Close()

			ctx, stop := signalContext()
			defer stop()
			if pairOnStart {
				our, err := in.daemon.Node().StartPairing(ctx)
				if err != nil {
					return err
				}
				logger.Info("pairing open", "emoji", our.Emoji, "description", our.Description, "auto_accept", cfg.Pairing.AutoAccept)
			}
			return in.daemon.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&pairOnStart, "pairing", false, "enter pairing mode at start (see pairing.auto_accept)")
	return cmd
}
