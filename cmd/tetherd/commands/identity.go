package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/daemon"
	"github.com/TheusHen/tether/tether/state"
)

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show this device's identity, creating it on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			km, err := openKeyring(clock.Real())
			if err != nil {
				return err
			}
			dev := km.Device()
			fmt.Printf("Device:      %s\n", dev.Name)
			fmt.Printf("Device ID:   %s\n", dev.ID)
			fmt.Printf("Fingerprint: %s\n", dev.Keys.Public().Fingerprint())
			fmt.Printf("Created:     %s\n", dev.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("Data dir:    %s\n", cfg.Device.DataDir)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the statistics a running daemon last recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := state.Open(cfg.PermissionsDB())
			if err != nil {
				return err
			}
			defer db.Close()
			snap, err := daemon.LatestSnapshot(db)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
