package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/tether/tether/pairing"
)

func pairCmd() *cobra.Command {
	var (
		peer     string
		nickname string
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with a handheld by matching the emoji on both screens",
		Long: "Enters pairing mode and lists devices as they are discovered. Type the\n" +
			"number of the device showing the same emoji as the handheld's screen.",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := startDaemon()
			if err != nil {
				return err
			}
			defer in.Close()

			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Pairing.TimeoutSec)*time.Second+time.Second)
			defer cancel()

			d := in.daemon
			node := d.Node()
			node.SetAutoAccept(false)

			runErr := make(chan error, 1)
			go func() { runErr <- d.Run(ctx) }()

			our, err := node.StartPairing(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("This device shows %s  %s\n", our.Emoji, our.Description)
			if peer != "" {
				if err := node.SendBeacon(ctx, peer); err != nil {
					return fmt.Errorf("reaching %s: %w", peer, err)
				}
			}
			fmt.Println("Waiting for devices...")

			lines := make(chan string)
			go func() {
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- strings.TrimSpace(sc.Text())
				}
			}()

			var devices []pairing.Device
			for {
				select {
				case <-ctx.Done():
					cancel()
					<-runErr
					return fmt.Errorf("pairing: %w", ctx.Err())

				case line := <-lines:
					n, err := strconv.Atoi(line)
					if err != nil || n < 1 || n > len(devices) {
						fmt.Println("Enter the number of a listed device.")
						continue
					}
					target := devices[n-1]
					if _, err := node.Select(ctx, target.SessionID, nickname); err != nil {
						fmt.Println("Selection failed:", err)
						continue
					}
					fmt.Printf("Exchanging keys with %s...\n", target.Symbol)

				case ev := <-node.Events():
					switch e := ev.(type) {
					case pairing.Discovered:
						devices = append(devices, e.Device)
						fmt.Printf("  [%d] %s  %s (signal %d)\n", len(devices), e.Device.Symbol, e.Device.DeviceName, e.Device.SignalStrength)
					case pairing.Completed:
						fmt.Printf("Paired with %s (%s).\n", e.Peer.DeviceName, e.Peer.DeviceKey.Fingerprint())
						cancel()
						return <-runErr
					case pairing.TimedOut:
						cancel()
						<-runErr
						return fmt.Errorf("pairing timed out")
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "send our beacon straight to this handheld address")
	cmd.Flags().StringVar(&nickname, "nickname", "", "name for the new relationship (default the device name)")
	return cmd
}
